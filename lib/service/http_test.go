// Copyright 2026 The Gantry Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/gantry-ci/gantry/lib/testutil"
)

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookHMAC(t *testing.T) {
	t.Parallel()

	secret := []byte("hook-secret")
	body := []byte(`{"ref":"refs/heads/vara"}`)
	valid := sign(secret, body)

	t.Run("valid with prefix", func(t *testing.T) {
		t.Parallel()
		if err := VerifyWebhookHMAC(secret, body, "sha256="+valid); err != nil {
			t.Fatalf("VerifyWebhookHMAC: %v", err)
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		t.Parallel()
		if err := VerifyWebhookHMAC(secret, body, valid); err != nil {
			t.Fatalf("VerifyWebhookHMAC: %v", err)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		if err := VerifyWebhookHMAC([]byte("other"), body, "sha256="+valid); err == nil {
			t.Fatal("verification passed with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		t.Parallel()
		if err := VerifyWebhookHMAC(secret, []byte(`{"ref":"refs/heads/main"}`), "sha256="+valid); err == nil {
			t.Fatal("verification passed with tampered body")
		}
	})

	t.Run("empty signature", func(t *testing.T) {
		t.Parallel()
		if err := VerifyWebhookHMAC(secret, body, ""); err == nil {
			t.Fatal("verification passed with empty signature")
		}
	})

	t.Run("non-hex signature", func(t *testing.T) {
		t.Parallel()
		if err := VerifyWebhookHMAC(secret, body, "sha256=zzzz"); err == nil {
			t.Fatal("verification passed with non-hex signature")
		}
	})

	t.Run("empty secret", func(t *testing.T) {
		t.Parallel()
		if err := VerifyWebhookHMAC(nil, body, valid); err == nil {
			t.Fatal("verification passed with empty secret")
		}
	})
}

func TestHTTPServerServeAndShutdown(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		fmt.Fprint(writer, "ok")
	})

	server := NewHTTPServer(HTTPServerConfig{
		Address:         "127.0.0.1:0",
		Handler:         handler,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		ShutdownTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	response, err := http.Get("http://" + server.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if string(payload) != "ok" {
		t.Fatalf("response = %q, want ok", payload)
	}

	cancel()
	if err := testutil.RequireReceive(t, serveErr, 5*time.Second, "serve exit"); err != nil {
		t.Fatalf("Serve returned %v after graceful shutdown", err)
	}
}

func TestHTTPServerAddressInUse(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1:0", Handler: handler, Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() { firstErr <- first.Serve(ctx) }()
	testutil.RequireClosed(t, first.Ready(), 5*time.Second, "first server ready")

	second := NewHTTPServer(HTTPServerConfig{Address: first.Addr().String(), Handler: handler, Logger: logger})
	if err := second.Serve(context.Background()); err == nil {
		t.Fatal("second Serve on the same address succeeded")
	}
}
