package connectivity

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostPort(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://intranet.example.com/api", "intranet.example.com:443", false},
		{"http://intranet.example.com", "intranet.example.com:80", false},
		{"http://10.0.0.5:3000/api", "10.0.0.5:3000", false},
		{"not a url", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := hostPort(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProberPublishesTransitions(t *testing.T) {
	var up atomic.Bool
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if up.Load() {
			client, server := net.Pipe()
			server.Close()
			return client, nil
		}
		return nil, errors.New("connection refused")
	}

	p, err := NewProber("http://server:8080", ProberOptions{Interval: time.Hour, Dial: dial}, nil)
	require.NoError(t, err)

	updates, cancel := p.Subscribe()
	defer cancel()

	assert.False(t, p.Probe(context.Background()))
	assert.False(t, <-updates)

	up.Store(true)
	assert.True(t, p.Probe(context.Background()))
	assert.True(t, <-updates)

	// no transition, no publication
	p.Probe(context.Background())
	select {
	case v := <-updates:
		t.Fatalf("unexpected update %v", v)
	default:
	}

	// cached result is used while fresh
	up.Store(false)
	assert.True(t, p.Online(context.Background()))
}

func TestStaticOracle(t *testing.T) {
	s := NewStatic(true)
	updates, cancel := s.Subscribe()

	assert.True(t, s.Online(context.Background()))
	s.Set(false)
	assert.False(t, s.Online(context.Background()))
	assert.False(t, <-updates)

	cancel()
	cancel()
	s.Set(true)
	select {
	case <-updates:
		t.Fatal("cancelled subscription must not receive updates")
	default:
	}
}

func TestHubKeepsLatestValue(t *testing.T) {
	s := NewStatic(true)
	updates, cancel := s.Subscribe()
	defer cancel()

	s.Set(false)
	s.Set(true)
	assert.True(t, <-updates)
}
