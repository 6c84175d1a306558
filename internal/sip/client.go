package sip

import (
	"context"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// clientTx is the part of a client transaction a call actor consumes.
type clientTx interface {
	Responses() <-chan *sip.Response
	Done() <-chan struct{}
	Err() error
	Terminate()
}

// transactor sends requests on behalf of call actors.
type transactor interface {
	// Send starts a client transaction, filling in missing headers.
	Send(ctx context.Context, req *sip.Request) (clientTx, error)
	// Resend starts a transaction for a modified copy of an earlier request,
	// with a new Via branch and the next CSeq.
	Resend(ctx context.Context, req *sip.Request) (clientTx, error)
	// Write sends a request outside any transaction (ACK for 2xx).
	Write(req *sip.Request) error
}

// sipgoTransactor implements transactor on a sipgo client.
type sipgoTransactor struct {
	client *sipgo.Client
}

func (t sipgoTransactor) Send(ctx context.Context, req *sip.Request) (clientTx, error) {
	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (t sipgoTransactor) Resend(ctx context.Context, req *sip.Request) (clientTx, error) {
	tx, err := t.client.TransactionRequest(ctx, req,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (t sipgoTransactor) Write(req *sip.Request) error {
	return t.client.WriteRequest(req)
}
