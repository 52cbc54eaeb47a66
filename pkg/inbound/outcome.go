package inbound

import "fmt"

// Outcome is the Inbound Pipeline's tagged result: exactly one of Ok or
// Rejected, discriminated by type switch.
type Outcome interface {
	outcome()
	String() string
}

// Ok means the envelope was accepted and, for a "msg" envelope, stored
// under MsgID.
type Ok struct {
	MsgID string
}

func (Ok) outcome() {}
func (o Ok) String() string { return fmt.Sprintf("Ok(%s)", o.MsgID) }

// Rejected means the pipeline refused the envelope. Status and Code are
// the HTTP status and stable error code the Local Ingress Server writes
// back to the caller; MsgID is populated when the outer envelope parsed
// far enough to recover one.
type Rejected struct {
	Status int
	Code   string
	MsgID  string
}

func (Rejected) outcome() {}
func (r Rejected) String() string { return fmt.Sprintf("Rejected(%d,%s)", r.Status, r.Code) }
