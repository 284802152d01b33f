package gobgp

import (
	"errors"
	"net/netip"
	"testing"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func anyOf(t *testing.T, msg proto.Message) *anypb.Any {
	t.Helper()

	a, err := anypb.New(msg)
	if err != nil {
		t.Fatalf("anypb.New: %v", err)
	}
	return a
}

func TestDecodePath(t *testing.T) {
	t.Parallel()

	v4 := &apipb.Family{Afi: apipb.Family_AFI_IP, Safi: apipb.Family_SAFI_UNICAST}

	tests := []struct {
		name    string
		path    *apipb.Path
		want    Path
		wantErr error
	}{
		{
			name: "next hop attribute",
			path: &apipb.Path{
				Family: v4,
				Nlri:   anyOf(t, &apipb.IPAddressPrefix{Prefix: "10.0.0.0", PrefixLen: 8}),
				Pattrs: []*anypb.Any{anyOf(t, &apipb.NextHopAttribute{NextHop: "192.0.2.1"})},
			},
			want: Path{
				Prefix:  netip.MustParsePrefix("10.0.0.0/8"),
				NextHop: netip.MustParseAddr("192.0.2.1"),
			},
		},
		{
			name: "mp reach next hop",
			path: &apipb.Path{
				Family: v4,
				Nlri:   anyOf(t, &apipb.IPAddressPrefix{Prefix: "10.1.0.0", PrefixLen: 16}),
				Pattrs: []*anypb.Any{anyOf(t, &apipb.MpReachNLRIAttribute{
					Family:   v4,
					NextHops: []string{"192.0.2.2"},
				})},
			},
			want: Path{
				Prefix:  netip.MustParsePrefix("10.1.0.0/16"),
				NextHop: netip.MustParseAddr("192.0.2.2"),
			},
		},
		{
			name: "host bits masked",
			path: &apipb.Path{
				Family: v4,
				Nlri:   anyOf(t, &apipb.IPAddressPrefix{Prefix: "10.1.2.3", PrefixLen: 8}),
				Pattrs: []*anypb.Any{anyOf(t, &apipb.NextHopAttribute{NextHop: "192.0.2.1"})},
			},
			want: Path{
				Prefix:  netip.MustParsePrefix("10.0.0.0/8"),
				NextHop: netip.MustParseAddr("192.0.2.1"),
			},
		},
		{
			name: "withdraw without next hop",
			path: &apipb.Path{
				Family:     v4,
				Nlri:       anyOf(t, &apipb.IPAddressPrefix{Prefix: "10.0.0.0", PrefixLen: 8}),
				IsWithdraw: true,
			},
			want: Path{Prefix: netip.MustParsePrefix("10.0.0.0/8"), Withdraw: true},
		},
		{
			name:    "missing family",
			path:    &apipb.Path{Nlri: anyOf(t, &apipb.IPAddressPrefix{Prefix: "10.0.0.0", PrefixLen: 8})},
			wantErr: ErrUnsupportedFamily,
		},
		{
			name: "flowspec",
			path: &apipb.Path{
				Family: &apipb.Family{Afi: apipb.Family_AFI_IP, Safi: apipb.Family_SAFI_FLOW_SPEC_UNICAST},
			},
			wantErr: ErrUnsupportedFamily,
		},
		{
			name: "prefix too long",
			path: &apipb.Path{
				Family: v4,
				Nlri:   anyOf(t, &apipb.IPAddressPrefix{Prefix: "10.0.0.0", PrefixLen: 33}),
			},
			wantErr: ErrMalformedPath,
		},
		{
			name: "ipv6 next hop",
			path: &apipb.Path{
				Family: v4,
				Nlri:   anyOf(t, &apipb.IPAddressPrefix{Prefix: "10.0.0.0", PrefixLen: 8}),
				Pattrs: []*anypb.Any{anyOf(t, &apipb.NextHopAttribute{NextHop: "2001:db8::1"})},
			},
			wantErr: ErrMalformedPath,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodePath(tt.path)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("decodePath error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodePath: %v", err)
			}
			if got != tt.want {
				t.Errorf("decodePath = %+v, want %+v", got, tt.want)
			}
		})
	}
}
