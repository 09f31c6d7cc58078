package internal

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAllowed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		ip    string
		allow []string
		deny  []string
		want  bool
	}{
		{name: "public address", ip: "203.0.113.5", deny: DefaultDenyNetworks, want: true},
		{name: "loopback denied", ip: "127.0.0.1", deny: DefaultDenyNetworks, want: false},
		{name: "private v6 denied", ip: "fd00::1", deny: DefaultDenyNetworks, want: false},
		{name: "allow overrides deny", ip: "10.1.2.3", allow: []string{"10.1.0.0/16"}, deny: DefaultDenyNetworks, want: true},
		{name: "bad cidr ignored", ip: "192.168.1.1", deny: []string{"nonsense", "192.168.0.0/16"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isAllowed(net.ParseIP(tt.ip), tt.allow, tt.deny))
		})
	}
}

func TestAllowDenyNetworksControl(t *testing.T) {
	t.Parallel()
	control := allowDenyNetworksControl(nil, DefaultDenyNetworks)
	assert.ErrorIs(t, control(context.Background(), "tcp4", "127.0.0.1:80", nil), ErrDeniedAddress)
	assert.NoError(t, control(context.Background(), "tcp4", "203.0.113.5:443", nil))
	assert.Error(t, control(context.Background(), "udp", "203.0.113.5:443", nil))
	assert.Error(t, control(context.Background(), "tcp4", "not-an-address", nil))
}
