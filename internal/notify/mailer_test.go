package notify

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"
)

// rejectingSMTPServer accepts one session and answers RCPT with code.
func rejectingSMTPServer(t *testing.T, code int) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(line string) { fmt.Fprintf(conn, "%s\r\n", line) }
		reply("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			switch cmd := strings.ToUpper(strings.TrimSpace(line)); {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL"):
				reply("250 ok")
			case strings.HasPrefix(cmd, "RCPT"):
				reply(fmt.Sprintf("%d recipient rejected", code))
			case strings.HasPrefix(cmd, "QUIT"):
				reply("221 bye")
				return
			default:
				reply("502 not implemented")
			}
		}
	}()

	host, port, _ := net.SplitHostPort(ln.Addr().String())
	p, _ := strconv.Atoi(port)
	return host, p
}

func TestSMTPRecipientRejection(t *testing.T) {
	cases := []struct {
		code      int
		permanent bool
	}{
		{550, true},
		{451, false},
	}
	for _, tc := range cases {
		host, port := rejectingSMTPServer(t, tc.code)
		mailer := NewSMTPMailer(SMTPConfig{Host: host, Port: port, From: "kiosk@example.com", Timeout: 5 * time.Second})

		err := mailer.Send(context.Background(), Message{To: []string{"nobody@example.com"}, Subject: "s", Body: "b"})
		if err == nil {
			t.Fatalf("%d: expected recipient rejection", tc.code)
		}
		if errors.Is(err, ErrPermanent) != tc.permanent {
			t.Fatalf("%d: expected permanent=%v, got %v", tc.code, tc.permanent, err)
		}
	}
}

func TestClassifyReply(t *testing.T) {
	if err := classifyReply(&textproto.Error{Code: 553, Msg: "mailbox name not allowed"}); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected 553 to be permanent, got %v", err)
	}
	if err := classifyReply(&textproto.Error{Code: 421, Msg: "try later"}); errors.Is(err, ErrPermanent) {
		t.Fatalf("expected 421 to stay retryable")
	}
	if err := classifyReply(errors.New("connection reset")); errors.Is(err, ErrPermanent) {
		t.Fatalf("expected network errors to stay retryable")
	}
}
