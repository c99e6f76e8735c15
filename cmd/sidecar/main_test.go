package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRunProducesFeatureSnapshot(t *testing.T) {
	var out bytes.Buffer
	configText := "aaa authentication login default group tacacs+ local\nip ssh version 2\n"
	err := run([]string{"-platform", "IOS-XE"}, strings.NewReader(configText), &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), `"platform"`) {
		t.Fatalf("expected a FeatureSnapshot JSON object, got %q", out.String())
	}
}

func TestRunRejectsUnknownPlatform(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"-platform", "bogus"}, strings.NewReader(""), &out)
	if err == nil {
		t.Fatal("expected an error for an invalid platform")
	}
}
