package gobgp

import (
	"errors"
	"fmt"
	"net/netip"

	apipb "github.com/osrg/gobgp/v3/api"
)

var (
	// ErrUnsupportedFamily indicates a path outside IPv4 unicast.
	ErrUnsupportedFamily = errors.New("unsupported address family")

	// ErrMalformedPath indicates a path whose NLRI or next hop cannot be
	// decoded.
	ErrMalformedPath = errors.New("malformed gobgp path")
)

// Path is a decoded IPv4 unicast best path.
type Path struct {
	Prefix   netip.Prefix
	NextHop  netip.Addr
	Withdraw bool
}

// decodePath extracts the prefix and next hop from a GoBGP path. The next
// hop is not required for withdrawals.
func decodePath(p *apipb.Path) (Path, error) {
	fam := p.GetFamily()
	if fam.GetAfi() != apipb.Family_AFI_IP || fam.GetSafi() != apipb.Family_SAFI_UNICAST {
		return Path{}, fmt.Errorf("family %s/%s: %w", fam.GetAfi(), fam.GetSafi(), ErrUnsupportedFamily)
	}

	var nlri apipb.IPAddressPrefix
	if err := p.GetNlri().UnmarshalTo(&nlri); err != nil {
		return Path{}, fmt.Errorf("nlri: %w: %w", ErrMalformedPath, err)
	}
	addr, err := netip.ParseAddr(nlri.GetPrefix())
	if err != nil || !addr.Is4() || nlri.GetPrefixLen() > 32 {
		return Path{}, fmt.Errorf("nlri %s/%d: %w", nlri.GetPrefix(), nlri.GetPrefixLen(), ErrMalformedPath)
	}

	out := Path{
		Prefix:   netip.PrefixFrom(addr, int(nlri.GetPrefixLen())).Masked(),
		Withdraw: p.GetIsWithdraw(),
	}
	if out.Withdraw {
		return out, nil
	}

	nh, ok := nextHopOf(p)
	if !ok {
		return Path{}, fmt.Errorf("%s: no IPv4 next hop: %w", out.Prefix, ErrMalformedPath)
	}
	out.NextHop = nh

	return out, nil
}

// nextHopOf returns the path's IPv4 next hop from the NEXT_HOP attribute or,
// failing that, the first MP_REACH_NLRI next hop.
func nextHopOf(p *apipb.Path) (netip.Addr, bool) {
	for _, attr := range p.GetPattrs() {
		var nh apipb.NextHopAttribute
		if attr.UnmarshalTo(&nh) == nil {
			addr, err := netip.ParseAddr(nh.GetNextHop())
			return addr, err == nil && addr.Is4()
		}

		var mp apipb.MpReachNLRIAttribute
		if attr.UnmarshalTo(&mp) == nil && len(mp.GetNextHops()) > 0 {
			addr, err := netip.ParseAddr(mp.GetNextHops()[0])
			return addr, err == nil && addr.Is4()
		}
	}
	return netip.Addr{}, false
}
