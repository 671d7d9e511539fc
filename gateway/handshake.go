package gateway

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/openclaw/relay/identity"
	"github.com/openclaw/relay/internal/timeutil"
	"github.com/openclaw/relay/utils/json"
	"github.com/openclaw/relay/utils/ws"
)

// connectParams is the body of the connect request.
type connectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      connectClient  `json:"client"`
	Role        string         `json:"role"`
	Scopes      []string       `json:"scopes"`
	Caps        []string       `json:"caps"`
	Auth        *connectAuth   `json:"auth,omitempty"`
	Device      *connectDevice `json:"device,omitempty"`
}

type connectClient struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	Platform   string `json:"platform"`
	Mode       string `json:"mode"`
	InstanceID string `json:"instanceId"`
}

type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type connectDevice struct {
	ID         string `json:"id"`
	PublicKey  string `json:"publicKey"`
	Signature  string `json:"signature"`
	SignedAtMS int64  `json:"signedAtMs"`
	Nonce      string `json:"nonce,omitempty"`
}

// handshake performs the connect sequence on a freshly dialed connection:
// wait briefly for a challenge nonce, send connect, then read frames until
// the connect response arrives. It returns the validated hello.
func (c *Client) handshake(ctx context.Context, src <-chan ws.Event) (*Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	nonce, err := c.awaitChallenge(ctx, src)
	if err != nil {
		return nil, errors.Wrap(err, "handshake failed")
	}

	params, err := c.connectParams(nonce)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	if err := c.send(ctx, ws.Frame{
		Type:   ws.FrameRequest,
		ID:     id,
		Method: "connect",
		Params: params,
	}); err != nil {
		return nil, errors.Wrap(err, "cannot send connect request")
	}

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "handshake failed")

		case ev, ok := <-src:
			if !ok {
				return nil, errors.New("websocket closed mid-handshake")
			}

			switch ev := ev.(type) {
			case *ws.BackgroundErrorEvent:
				ws.WSError(ev)

			case *ws.CloseEvent:
				return nil, errors.Wrap(ev, "websocket closed mid-handshake")

			case ws.Frame:
				if ev.Type != ws.FrameResponse || ev.ID != id {
					// The gateway may push events before answering connect;
					// none of them matter until the hello lands.
					continue
				}
				return c.acceptHello(ev)
			}
		}
	}
}

// awaitChallenge waits up to Options.ChallengeWait for a connect.challenge
// event. Gateways without device auth never send one, so a quiet socket
// connects anyway with an empty nonce.
func (c *Client) awaitChallenge(ctx context.Context, src <-chan ws.Event) (string, error) {
	var connectAnyway timeutil.Timer
	connectAnyway.Reset(c.opts.ChallengeWait)
	defer connectAnyway.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case <-connectAnyway.C:
			return "", nil

		case ev, ok := <-src:
			if !ok {
				return "", errors.New("websocket closed before connect")
			}

			switch ev := ev.(type) {
			case *ws.BackgroundErrorEvent:
				ws.WSError(ev)

			case *ws.CloseEvent:
				return "", ev

			case ws.Frame:
				if ev.Type != ws.FrameEvent || ev.Event != EventChallenge {
					ws.WSDebug("Ignoring pre-connect frame:", string(ev.Type), ev.Event)
					continue
				}

				var ch ChallengeEvent
				if err := json.Unmarshal(ev.Payload, &ch); err != nil {
					return "", errors.Wrap(err, "malformed connect.challenge")
				}
				return ch.Nonce, nil
			}
		}
	}
}

// connectParams assembles and encodes the connect body, signing it with the
// device identity when one is configured.
func (c *Client) connectParams(nonce string) (json.Raw, error) {
	p := connectParams{
		MinProtocol: MinProtocol,
		MaxProtocol: MaxProtocol,
		Client: connectClient{
			ID:         ClientID,
			Version:    c.opts.ClientVersion,
			Platform:   runtime.GOOS,
			Mode:       ClientMode,
			InstanceID: c.opts.InstanceID,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
		Caps:   []string{},
	}

	if c.opts.Token != "" || c.opts.Password != "" {
		p.Auth = &connectAuth{
			Token:    c.opts.Token,
			Password: c.opts.Password,
		}
	}

	if d := c.opts.Identity; d != nil {
		signedAt := time.Now().UnixMilli()
		payload := identity.SignaturePayload(
			d.ID, ClientID, ClientMode, c.opts.Role, c.opts.Scopes,
			signedAt, c.opts.Token, nonce,
		)

		p.Device = &connectDevice{
			ID:         d.ID,
			PublicKey:  d.PublicKeyBase64(),
			Signature:  d.Sign(payload),
			SignedAtMS: signedAt,
			Nonce:      nonce,
		}
	}

	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode connect params")
	}
	return json.Raw(b), nil
}

// acceptHello validates the connect response. A gateway that rejects connect
// or answers with an unusable hello gets a policy-violation close; there is
// nothing to salvage from such a connection.
func (c *Client) acceptHello(f ws.Frame) (*Hello, error) {
	if !f.Ok() {
		c.closeSocket(websocket.ClosePolicyViolation, "connect rejected")
		return nil, newError("connect", f.Error)
	}

	var hello Hello
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		c.closeSocket(websocket.ClosePolicyViolation, "invalid hello")
		return nil, errors.Wrap(err, "malformed hello payload")
	}

	if hello.Protocol < MinProtocol || hello.Protocol > MaxProtocol {
		c.closeSocket(websocket.ClosePolicyViolation, "invalid hello")
		return nil, errors.Errorf("unsupported gateway protocol %d", hello.Protocol)
	}
	if hello.Policy.TickIntervalMS <= 0 {
		c.closeSocket(websocket.ClosePolicyViolation, "invalid hello")
		return nil, errors.Errorf("hello has invalid tick interval %dms", hello.Policy.TickIntervalMS)
	}

	return &hello, nil
}
