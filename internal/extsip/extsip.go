// Package extsip is a thin adapter over the SIP dialog layer: the SIP
// protocol internals themselves are an external collaborator (spec §1/§6
// Non-goals), so this package exposes only the narrow signaling surface
// the call controller (C10) drives, backed by github.com/emiago/diago.
package extsip

import (
	"context"
	"fmt"

	"github.com/emiago/diago"
	"github.com/emiago/sipgo"
)

// Dialog is the signaling surface an inbound (server-role) call uses. The
// media itself never flows through diago's own session: the controller's
// RTP/codec stack (C6-C9) owns it, so only call-state transitions and the
// raw SDP bodies carried in the SIP messages go through here.
type Dialog interface {
	Context() context.Context
	RemoteURI() string
	LocalURI() string
	// RemoteOfferSDP returns the INVITE body, or nil if the peer sent none.
	RemoteOfferSDP() []byte
	Trying() error
	Ringing() error
	// Progress sends a 183 with early media signaling (spec §4.10 "183 with SDP").
	Progress() error
	// Answer sends the 200 OK that completes the dialog.
	Answer() error
	Bye() error
	Close()
}

// OutboundDialog is the signaling surface a placed (client-role) call uses.
type OutboundDialog interface {
	Context() context.Context
	WaitAnswer(ctx context.Context) error
	Ack(ctx context.Context) error
	Bye(ctx context.Context) error
	Close()
}

// ServerDialog adapts *diago.DialogServerSession to Dialog.
type ServerDialog struct {
	d *diago.DialogServerSession
}

// NewServerDialog wraps an inbound diago dialog.
func NewServerDialog(d *diago.DialogServerSession) *ServerDialog {
	return &ServerDialog{d: d}
}

func (s *ServerDialog) Context() context.Context { return s.d.Context() }
func (s *ServerDialog) RemoteURI() string        { return s.d.FromUser() }
func (s *ServerDialog) LocalURI() string         { return s.d.ToUser() }

func (s *ServerDialog) RemoteOfferSDP() []byte {
	if s.d.InviteRequest == nil {
		return nil
	}
	return s.d.InviteRequest.Body()
}

func (s *ServerDialog) Trying() error   { return s.d.Trying() }
func (s *ServerDialog) Ringing() error  { return s.d.Ringing() }
func (s *ServerDialog) Progress() error { return s.d.Progress() }
func (s *ServerDialog) Answer() error   { return s.d.Answer() }

func (s *ServerDialog) Bye() error {
	return s.d.Hangup(s.d.Context())
}

func (s *ServerDialog) Close() { s.d.Close() }

// ClientDialog adapts *diago.DialogClientSession to OutboundDialog.
type ClientDialog struct {
	d *diago.DialogClientSession
}

// NewClientDialog wraps an outbound diago dialog.
func NewClientDialog(d *diago.DialogClientSession) *ClientDialog {
	return &ClientDialog{d: d}
}

func (c *ClientDialog) Context() context.Context { return c.d.Context() }

func (c *ClientDialog) WaitAnswer(ctx context.Context) error {
	return c.d.WaitAnswer(ctx, sipgo.AnswerOptions{})
}

func (c *ClientDialog) Ack(ctx context.Context) error { return c.d.Ack(ctx) }

func (c *ClientDialog) Bye(ctx context.Context) error {
	if err := c.d.Hangup(ctx); err != nil {
		return fmt.Errorf("extsip: client bye: %w", err)
	}
	return nil
}

func (c *ClientDialog) Close() { c.d.Close() }
