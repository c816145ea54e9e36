package main

import (
	"context"
	"testing"

	"snackkiosk/backend/internal/config"
	"snackkiosk/backend/internal/leader"
)

const strongSecret = "0123456789abcdef0123456789abcdef"

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	cases := map[string]config.Config{
		"short secret":        {AuthSecret: "short"},
		"short seed password": {AuthSecret: strongSecret, SeedAdminPassword: "abc"},
		"smtp user only":      {AuthSecret: strongSecret, SMTPUsername: "mailer"},
		"smtp no recipients":  {AuthSecret: strongSecret, SMTPHost: "smtp.example.com"},
		"wildcard origin":     {AuthSecret: strongSecret, AllowedOrigin: "*"},
	}
	for name, cfg := range cases {
		if err := validateSecurityConfig(cfg); err == nil {
			t.Fatalf("%s: expected config to be rejected", name)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{
		AuthSecret:        strongSecret,
		SeedAdminPassword: "kiosk-admin-pass",
		SMTPHost:          "smtp.example.com",
		SMTPUsername:      "mailer",
		SMTPPassword:      "mail-pass",
		AlertRecipients:   "ops@example.com",
		AllowedOrigin:     "https://kiosk.example.com",
	})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestLeaderLockFallsBackToInProcess(t *testing.T) {
	for _, backend := range []string{"postgres", "redis", "memory"} {
		lock := newLeaderLock(config.Config{LeaderBackend: backend, LeaderLockID: "notify", InstanceID: "a"}, nil, nil)
		if _, ok := lock.(*leader.ArbiterLock); !ok {
			t.Fatalf("%s: expected in-process lock, got %T", backend, lock)
		}
		held, err := lock.TryAcquire(context.Background())
		if err != nil || !held {
			t.Fatalf("%s: expected lock to be acquired, got %v %v", backend, held, err)
		}
	}
}

func TestTransportDefaultsToLoopback(t *testing.T) {
	if transport := newTransport(config.Config{}, nil); transport == nil {
		t.Fatalf("expected a loopback transport")
	}
}
