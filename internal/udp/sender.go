// Package udp sends each rendered rotation as a JSON datagram, for consumers such as a
// remote renderer or a recording tool.
package udp

import (
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
)

// Datagram is the wire format of one rotation.
type Datagram struct {
	Seq        uint64 `json:"seq"`
	TimeUnixMs int64  `json:"time_unix_ms"`
	State      string `json:"state"`
	Source     string `json:"source"`
	// Rotation is x, y, z, w.
	Rotation [4]float64 `json:"rotation"`
	Forward  [3]float64 `json:"forward"`
}

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

type Sender struct {
	dest string
	conn udpConn
	seq  atomic.Uint64
}

func NewSender(dest string) (*Sender, error) {
	return newSender(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
}

func newSender(dest string, resolve resolveFunc, dial dialFunc) (*Sender, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}

	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Sender{dest: dest, conn: conn}, nil
}

func (s *Sender) Dest() string { return s.dest }

func (s *Sender) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := s.conn.Write(payload)
	return err
}

// SendRotation stamps d with the next sequence number and sends it.
func (s *Sender) SendRotation(d Datagram) error {
	d.Seq = s.seq.Add(1)
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode rotation: %w", err)
	}
	return s.Send(b)
}

func (s *Sender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
