package netns

import "testing"

func TestModeNeedsNamespace(t *testing.T) {
	cases := map[Mode]bool{
		ModeDisabled:             false,
		ModeIsolated:             true,
		ModeOutbound:             true,
		ModeOutboundHostLoopback: true,
	}
	for mode, want := range cases {
		if got := mode.NeedsNamespace(); got != want {
			t.Errorf("%s.NeedsNamespace() = %v, want %v", mode, got, want)
		}
	}
}

func TestModeNeedsHelper(t *testing.T) {
	cases := map[Mode]bool{
		ModeDisabled:             false,
		ModeIsolated:             false,
		ModeOutbound:             true,
		ModeOutboundHostLoopback: true,
	}
	for mode, want := range cases {
		if got := mode.NeedsHelper(); got != want {
			t.Errorf("%s.NeedsHelper() = %v, want %v", mode, got, want)
		}
	}
}

func TestProvisionSkipsHelperWhenNotNeeded(t *testing.T) {
	p := NewProvisioner("")
	h, err := p.Provision(nil, ModeIsolated, 1, t.TempDir(), Domains{})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if h.HelperPID != 0 {
		t.Errorf("HelperPID = %d, want 0 for a mode that needs no helper", h.HelperPID)
	}
}
