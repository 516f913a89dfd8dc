package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"torrentswarm/bencode"
	"torrentswarm/metainfo"
)

// httpTracker announces over the BEP 3 HTTP tracker protocol, kept from the
// teacher's resty-based client almost unchanged: resty is already the right
// collaborator boundary for this, so the adaptation is mostly interface
// shape, not substance.
type httpTracker struct {
	announceURL string
	client      *resty.Client
}

func newHTTPTracker(announce string) Tracker {
	return &httpTracker{announceURL: announce, client: resty.New().SetTimeout(15 * time.Second)}
}

func (t *httpTracker) Announce() string { return t.announceURL }

func (t *httpTracker) GetPeers(ctx context.Context, d *metainfo.TorrentDescriptor, selfID [20]byte, port uint16) ([]Candidate, SwarmStats, error) {
	var stats SwarmStats
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("info_hash", string(d.InfoHash[:])).
		SetQueryParam("peer_id", string(selfID[:])).
		SetQueryParam("port", fmt.Sprintf("%d", port)).
		SetQueryParam("uploaded", "0").
		SetQueryParam("downloaded", "0").
		SetQueryParam("left", fmt.Sprintf("%d", d.TotalLength)).
		SetQueryParam("compact", "1").
		SetQueryParam("event", "started").
		Get(t.announceURL)
	if err != nil {
		return nil, stats, fmt.Errorf("discovery: http tracker %s: %w", t.announceURL, err)
	}
	if resp.StatusCode() != 200 {
		return nil, stats, fmt.Errorf("discovery: http tracker %s: status %d", t.announceURL, resp.StatusCode())
	}

	parsed, _, err := bencode.Decode(resp.Body())
	if err != nil {
		return nil, stats, fmt.Errorf("discovery: http tracker %s: decode: %w", t.announceURL, err)
	}
	respDict := parsed.AsDict()

	if reason, ok := respDict["failure reason"]; ok {
		return nil, stats, fmt.Errorf("discovery: http tracker %s: %s", t.announceURL, reason.AsString())
	}
	if complete, ok := respDict["complete"]; ok {
		stats.Seeders = int(complete.AsInt())
	}
	if incomplete, ok := respDict["incomplete"]; ok {
		stats.Leechers = int(incomplete.AsInt())
	}

	var candidates []Candidate
	if peersData, ok := respDict["peers"]; ok {
		switch peersData.Type {
		case bencode.STRING:
			raw := peersData.AsBytes()
			for i := 0; i+6 <= len(raw); i += 6 {
				candidates = append(candidates, Candidate{
					IP:   fmt.Sprintf("%d.%d.%d.%d", raw[i], raw[i+1], raw[i+2], raw[i+3]),
					Port: uint16(raw[i+4])<<8 | uint16(raw[i+5]),
				})
			}
		case bencode.LIST:
			for _, pd := range peersData.AsList() {
				pdict := pd.AsDict()
				candidates = append(candidates, Candidate{
					IP:   pdict["ip"].AsString(),
					Port: uint16(pdict["port"].AsInt()),
				})
			}
		}
	}
	return candidates, stats, nil
}
