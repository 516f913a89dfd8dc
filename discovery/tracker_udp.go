package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"torrentswarm/metainfo"
)

// udpTracker implements the BEP 15 UDP tracker protocol: connect, announce,
// scrape, kept from the teacher's hand-rolled binary framing since no pack
// library offers this niche a wire format.
type udpTracker struct {
	announceURL string
}

const (
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionScrape   = 2

	udpEventStarted = 2

	udpProtocolMagic = 0x41727101980
)

func newUDPTracker(announce string) Tracker {
	return &udpTracker{announceURL: announce}
}

func (t *udpTracker) Announce() string { return t.announceURL }

func (t *udpTracker) GetPeers(ctx context.Context, d *metainfo.TorrentDescriptor, selfID [20]byte, port uint16) ([]Candidate, SwarmStats, error) {
	u, err := url.Parse(t.announceURL)
	if err != nil {
		return nil, SwarmStats{}, fmt.Errorf("discovery: udp tracker: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, SwarmStats{}, fmt.Errorf("discovery: udp tracker: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, SwarmStats{}, fmt.Errorf("discovery: udp tracker: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	} else {
		conn.SetDeadline(time.Now().Add(15 * time.Second))
	}

	connID, err := t.connect(conn)
	if err != nil {
		return nil, SwarmStats{}, fmt.Errorf("discovery: udp tracker: connect: %w", err)
	}
	stats, err := t.scrape(conn, connID, d)
	if err != nil {
		// Scrape is best-effort; a tracker without scrape support should not
		// block the announce.
		stats = SwarmStats{}
	}
	candidates, announced, err := t.announce(conn, connID, d, selfID, port)
	if err != nil {
		return nil, stats, fmt.Errorf("discovery: udp tracker: announce: %w", err)
	}
	if announced.Seeders != 0 || announced.Leechers != 0 {
		stats = announced
	}
	return candidates, stats, nil
}

func (t *udpTracker) connect(conn *net.UDPConn) (int64, error) {
	transactionID := rand.Int31()
	req := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
	}{ConnectionID: udpProtocolMagic, Action: udpActionConnect, Transaction: transactionID}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return 0, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return 0, err
	}

	var resp struct {
		Action       int32
		Transaction  int32
		ConnectionID int64
	}
	if err := binary.Read(conn, binary.BigEndian, &resp); err != nil {
		return 0, err
	}
	if resp.Transaction != transactionID {
		return 0, fmt.Errorf("transaction ID mismatch")
	}
	if resp.Action != udpActionConnect {
		return 0, fmt.Errorf("unexpected action %d", resp.Action)
	}
	return resp.ConnectionID, nil
}

func (t *udpTracker) announce(conn *net.UDPConn, connID int64, d *metainfo.TorrentDescriptor, selfID [20]byte, port uint16) ([]Candidate, SwarmStats, error) {
	transactionID := rand.Int31()
	req := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
		InfoHash     [20]byte
		PeerID       [20]byte
		Downloaded   int64
		Left         int64
		Uploaded     int64
		Event        int32
		IP           int32
		Key          int32
		NumWant      int32
		Port         uint16
	}{
		ConnectionID: connID,
		Action:       udpActionAnnounce,
		Transaction:  transactionID,
		InfoHash:     d.InfoHash,
		PeerID:       selfID,
		Left:         d.TotalLength,
		Event:        udpEventStarted,
		NumWant:      -1,
		Port:         port,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return nil, SwarmStats{}, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, SwarmStats{}, err
	}

	raw := make([]byte, 4096)
	n, err := conn.Read(raw)
	if err != nil {
		return nil, SwarmStats{}, err
	}
	raw = raw[:n]

	var resp struct {
		Action      int32
		Transaction int32
		Interval    int32
		Leechers    int32
		Seeders     int32
	}
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &resp); err != nil {
		return nil, SwarmStats{}, err
	}
	if resp.Transaction != transactionID {
		return nil, SwarmStats{}, fmt.Errorf("transaction ID mismatch")
	}
	if resp.Action != udpActionAnnounce {
		return nil, SwarmStats{}, fmt.Errorf("unexpected action %d", resp.Action)
	}

	var candidates []Candidate
	body := raw[20:]
	for i := 0; i+6 <= len(body); i += 6 {
		ip := net.IPv4(body[i], body[i+1], body[i+2], body[i+3])
		port := uint16(body[i+4])<<8 | uint16(body[i+5])
		candidates = append(candidates, Candidate{IP: ip.String(), Port: port})
	}
	return candidates, SwarmStats{Seeders: int(resp.Seeders), Leechers: int(resp.Leechers)}, nil
}

func (t *udpTracker) scrape(conn *net.UDPConn, connID int64, d *metainfo.TorrentDescriptor) (SwarmStats, error) {
	transactionID := rand.Int31()
	req := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
		InfoHash     [20]byte
	}{ConnectionID: connID, Action: udpActionScrape, Transaction: transactionID, InfoHash: d.InfoHash}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return SwarmStats{}, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return SwarmStats{}, err
	}

	raw := make([]byte, 1024)
	n, err := conn.Read(raw)
	if err != nil {
		return SwarmStats{}, err
	}
	raw = raw[:n]

	var resp struct {
		Action      int32
		Transaction int32
		Seeders     int32
		Completed   int32
		Leechers    int32
	}
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &resp); err != nil {
		return SwarmStats{}, err
	}
	if resp.Transaction != transactionID {
		return SwarmStats{}, fmt.Errorf("transaction ID mismatch")
	}
	return SwarmStats{Seeders: int(resp.Seeders), Leechers: int(resp.Leechers)}, nil
}
