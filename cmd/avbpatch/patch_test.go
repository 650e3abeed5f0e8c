package main

import "testing"

func TestParseReplaceFlags(t *testing.T) {
	got, err := parseReplaceFlags([]string{"boot=/tmp/boot.img", "vbmeta=/tmp/vbmeta.img"})
	if err != nil {
		t.Fatalf("parseReplaceFlags: %v", err)
	}
	if got["boot"] != "/tmp/boot.img" {
		t.Fatalf("boot = %q, want /tmp/boot.img", got["boot"])
	}
	if got["vbmeta"] != "/tmp/vbmeta.img" {
		t.Fatalf("vbmeta = %q, want /tmp/vbmeta.img", got["vbmeta"])
	}
}

func TestParseReplaceFlagsRejectsMissingEquals(t *testing.T) {
	if _, err := parseReplaceFlags([]string{"boot"}); err == nil {
		t.Fatal("expected error for entry missing '='")
	}
}

func TestParseReplaceFlagsRejectsEmptyName(t *testing.T) {
	if _, err := parseReplaceFlags([]string{"=/tmp/boot.img"}); err == nil {
		t.Fatal("expected error for empty partition name")
	}
}
