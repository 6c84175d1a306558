package ussd

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedAddress is returned when a from or to address cannot be built.
var ErrMalformedAddress = errors.New("malformed address")

// defaultTransport is used when the destination names none.
const defaultTransport = "udp"

// GatewayConfig is the USSD gateway outbound sessions are sent to.
type GatewayConfig struct {
	URI      string
	Username string
	Password string
}

// OutboundOriginator builds outbound sessions toward the USSD gateway.
type OutboundOriginator struct {
	gateway    GatewayConfig
	apiVersion string
	addresses  AddressFactory
	interfaces InterfaceProvider
	factory    *SessionActorFactory
	store      CallStore
}

// NewOutboundOriginator creates an originator.
func NewOutboundOriginator(gateway GatewayConfig, apiVersion string, addresses AddressFactory,
	interfaces InterfaceProvider, factory *SessionActorFactory, store CallStore) *OutboundOriginator {
	return &OutboundOriginator{
		gateway:    gateway,
		apiVersion: apiVersion,
		addresses:  addresses,
		interfaces: interfaces,
		factory:    factory,
		store:      store,
	}
}

// Originate creates a call actor and initializes it for an outbound
// session. It returns as soon as the actor has been told; the INVITE is
// sent later by the actor itself.
func (o *OutboundOriginator) Originate(ctx context.Context, order OutboundCallOrder) (Handle, error) {
	username := o.gateway.Username
	if order.Username != "" {
		username = order.Username
	}
	password := o.gateway.Password
	if order.Password != "" {
		password = order.Password
	}

	from, err := o.addresses.CreateAddress(order.From, o.gateway.URI)
	if err != nil {
		return nil, fmt.Errorf("building from address: %w", err)
	}
	to, err := o.addresses.CreateAddress(order.To, o.gateway.URI)
	if err != nil {
		return nil, fmt.Errorf("building to address: %w", err)
	}

	transport := to.Transport()
	if transport == "" {
		transport = defaultTransport
	}
	if iface := o.outboundInterface(transport); iface != nil {
		from, err = o.addresses.CreateAddress(order.From, hostPart(iface))
		if err != nil {
			return nil, fmt.Errorf("building from address: %w", err)
		}
	}

	call, err := o.factory.Create(ctx)
	if err != nil {
		return nil, err
	}

	call.Tell(InitializeOutbound{
		From:            from,
		To:              to,
		Username:        username,
		Password:        password,
		Timeout:         order.Timeout,
		IsFromAPI:       order.IsFromAPI,
		APIVersion:      o.apiVersion,
		AccountID:       order.AccountID,
		Type:            order.Type,
		Store:           o.store,
		OutboundGateway: false,
	})
	return call, nil
}

// outboundInterface returns the last advertised interface whose transport
// matches, or nil.
func (o *OutboundOriginator) outboundInterface(transport string) Address {
	if o.interfaces == nil {
		return nil
	}
	var result Address
	for _, iface := range o.interfaces.OutboundInterfaces() {
		if strings.EqualFold(transport, iface.Transport()) {
			result = iface
		}
	}
	return result
}

// hostPart strips the scheme and user of addr, leaving host, port and
// parameters, e.g. "10.0.0.5:5060;transport=udp".
func hostPart(addr Address) string {
	s := addr.String()
	if _, rest, ok := strings.Cut(s, ":"); ok {
		s = rest
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
