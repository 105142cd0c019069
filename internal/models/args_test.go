package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParsePendingArgs(t *testing.T) {
	args := ParsePendingArgs("site:north, force:true,dry:false,days:7,ratio:0.5,url:http://x/y,,:orphan,flag")
	want := map[string]any{
		"site":  "north",
		"force": true,
		"dry":   false,
		"days":  int64(7),
		"ratio": 0.5,
		"url":   "http://x/y",
		"flag":  "",
	}
	if len(args) != len(want) {
		t.Fatalf("got %d args (%v), want %d", len(args), args, len(want))
	}
	for k, v := range want {
		if args[k] != v {
			t.Fatalf("args[%q] = %#v, want %#v", k, args[k], v)
		}
	}
}

func TestParsePendingArgsEmpty(t *testing.T) {
	if args := ParsePendingArgs(""); len(args) != 0 {
		t.Fatalf("expected empty args, got %v", args)
	}
}

func TestEncodePendingArgsIsStable(t *testing.T) {
	got := EncodePendingArgs(Args{"b": true, "a": "x", "c": int64(3)})
	if got != "a:x,b:true,c:3" {
		t.Fatalf("encoded %q", got)
	}
	back := ParsePendingArgs(got)
	if back["c"] != int64(3) || back["b"] != true || back["a"] != "x" {
		t.Fatalf("parse(encode) = %v", back)
	}
}

func TestRetryCount(t *testing.T) {
	var decoded Args
	if err := json.Unmarshal([]byte(`{"retryCount":3,"site":"north"}`), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.RetryCount() != 3 {
		t.Fatalf("retryCount from json = %d", decoded.RetryCount())
	}
	if (Args{}).RetryCount() != 0 || Args(nil).RetryCount() != 0 {
		t.Fatalf("missing retryCount should be 0")
	}
	if (Args{RetryCountKey: "two"}).RetryCount() != 0 {
		t.Fatalf("non-numeric retryCount should be 0")
	}

	next := decoded.WithRetryCount(4)
	if next.RetryCount() != 4 || decoded.RetryCount() != 3 {
		t.Fatalf("WithRetryCount must copy: next=%d orig=%d", next.RetryCount(), decoded.RetryCount())
	}
	if next["site"] != "north" {
		t.Fatalf("other args must be preserved")
	}
}

func TestEligible(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)
	cases := []struct {
		name  string
		entry QueueEntry
		want  bool
	}{
		{"immediate", QueueEntry{Status: EntryPending}, true},
		{"past", QueueEntry{Status: EntryPending, ScheduledFor: &past}, true},
		{"exact", QueueEntry{Status: EntryPending, ScheduledFor: &now}, true},
		{"future", QueueEntry{Status: EntryPending, ScheduledFor: &future}, false},
		{"running", QueueEntry{Status: EntryRunning}, false},
	}
	for _, tc := range cases {
		if got := tc.entry.Eligible(now); got != tc.want {
			t.Fatalf("%s: eligible = %v", tc.name, got)
		}
	}
}
