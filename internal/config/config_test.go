package config

import "testing"

func TestParseDefaults(t *testing.T) {
	c, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Modules != 1 || c.SegsPerMod != 8 {
		t.Errorf("defaults = modules=%d segments=%d, want 1,8", c.Modules, c.SegsPerMod)
	}
}

func TestParseRejectsOutOfRangeModules(t *testing.T) {
	if _, err := Parse([]string{"-modules", "99"}); err == nil {
		t.Fatal("expected an error for -modules 99")
	}
}

func TestParseReadsBootFlags(t *testing.T) {
	c, err := Parse([]string{"-boot", "image.bin", "-boot-block", "3"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.BootImage != "image.bin" || c.BootBlock != 3 {
		t.Errorf("got boot=%q block=%d, want image.bin,3", c.BootImage, c.BootBlock)
	}
}
