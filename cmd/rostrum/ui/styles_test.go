package ui

import "testing"

func TestDetectTheme(t *testing.T) {
	t.Setenv("COLORFGBG", "")

	t.Setenv("ROSTRUM_DARK_MODE", "1")
	dark := DetectTheme()
	if !dark.IsDark {
		t.Fatalf("expected dark theme when ROSTRUM_DARK_MODE=1")
	}

	t.Setenv("ROSTRUM_DARK_MODE", "")
	light := DetectTheme()
	if light.IsDark {
		t.Fatalf("expected light theme when ROSTRUM_DARK_MODE is unset")
	}
}

func TestDetectThemeFromTerminalBackground(t *testing.T) {
	t.Setenv("ROSTRUM_DARK_MODE", "")

	t.Setenv("COLORFGBG", "15;0")
	if !DetectTheme().IsDark {
		t.Fatalf("expected dark theme for dark terminal background")
	}

	t.Setenv("COLORFGBG", "0;15")
	if DetectTheme().IsDark {
		t.Fatalf("expected light theme for light terminal background")
	}
}

func TestRenderDivider(t *testing.T) {
	s := NewStyles(LightTheme())
	if got := s.RenderDivider(0); got != "" {
		t.Fatalf("expected empty divider for zero width, got %q", got)
	}
	if got := s.RenderDivider(-3); got != "" {
		t.Fatalf("expected empty divider for negative width, got %q", got)
	}
}
