package types

import (
	"strings"
	"testing"
)

func TestParseTransportKind(t *testing.T) {
	testCases := []struct {
		in      string
		want    TransportKind
		wantErr bool
	}{
		{"udp", TransportDatagram, false},
		{"datagram", TransportDatagram, false},
		{"TCP", TransportStream, false},
		{"stream", TransportStream, false},
		{"both", TransportBoth, false},
		{" all ", TransportBoth, false},
		{"rtsp", 0, true},
		{"", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTransportKind(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %v", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseTransportKind(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestLaunchOptions_Validate(t *testing.T) {
	valid := LaunchOptions{
		Source:    "demo",
		Address:   "127.0.0.1",
		Port:      10000,
		Transport: TransportDatagram,
		Width:     640,
		Height:    480,
	}

	if err := valid.Validate(); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}

	testCases := []struct {
		name   string
		mutate func(o *LaunchOptions)
	}{
		{"empty_source", func(o *LaunchOptions) { o.Source = " " }},
		{"empty_address", func(o *LaunchOptions) { o.Address = "" }},
		{"zero_port", func(o *LaunchOptions) { o.Port = 0 }},
		{"zero_width", func(o *LaunchOptions) { o.Width = 0 }},
		{"negative_height", func(o *LaunchOptions) { o.Height = -1 }},
		{"too_wide", func(o *LaunchOptions) { o.Width = MaxWidth + 1 }},
		{"bad_transport", func(o *LaunchOptions) { o.Transport = TransportKind(9) }},
		{"address_with_properties", func(o *LaunchOptions) { o.Address = "127.0.0.1 bind-port=5 ttl=1" }},
		{"address_with_quote", func(o *LaunchOptions) { o.Address = `host"name` }},
		{"address_with_equals", func(o *LaunchOptions) { o.Address = "ttl=1" }},
		{"address_with_pipe", func(o *LaunchOptions) { o.Address = "host!fakesink" }},
		{"address_leading_dash", func(o *LaunchOptions) { o.Address = "-host" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := valid
			tc.mutate(&opts)
			if err := opts.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestValidHost(t *testing.T) {
	testCases := []struct {
		host string
		want bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"fe80::1", true},
		{"localhost", true},
		{"viewer-01.studio.lan", true},
		{"viewer.lan.", true},
		{"", false},
		{"127.0.0.1 ttl=1", false},
		{"host=x", false},
		{"a..b", false},
		{"host\tname", false},
		{"'quoted'", false},
		{strings.Repeat("a", 254), false},
	}

	for _, tc := range testCases {
		if got := ValidHost(tc.host); got != tc.want {
			t.Errorf("ValidHost(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
	t.Log("✅ hosts outside IP and hostname syntax rejected")
}

func TestLaunchOptions_Destination(t *testing.T) {
	opts := LaunchOptions{Address: "::1", Port: 5000}
	if got := opts.Destination(); got != "[::1]:5000" {
		t.Errorf("Destination() = %q", got)
	}
}

func TestSessionID_RoundTrip(t *testing.T) {
	id := SessionID(42)
	parsed, err := ParseSessionID(id.String())
	if err != nil {
		t.Fatalf("ParseSessionID failed: %v", err)
	}
	if parsed != id {
		t.Errorf("got %d, want %d", parsed, id)
	}

	for _, bad := range []string{"", "abc", "-1", "1.5"} {
		if _, err := ParseSessionID(bad); err == nil {
			t.Errorf("ParseSessionID(%q) should fail", bad)
		}
	}
}

func TestFrame_Validate(t *testing.T) {
	f := &Frame{Width: 2, Height: 2, Data: make([]byte, 16)}
	if err := f.Validate(); err != nil {
		t.Errorf("valid frame rejected: %v", err)
	}

	f.Data = f.Data[:15]
	if err := f.Validate(); err == nil {
		t.Error("short frame accepted")
	}

	var nilFrame *Frame
	if err := nilFrame.Validate(); err == nil {
		t.Error("nil frame accepted")
	}
}
