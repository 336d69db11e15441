package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// PushGateway tries the live WebSocket first and falls back to posting
// the payload to a push-provider HTTP endpoint.
type PushGateway struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushGateway(endpoint string, ws *WSRegistry) *PushGateway {
	return &PushGateway{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushGateway) OfferToDriver(ctx context.Context, driverID string, offer DriverOffer) error {
	if p.WS != nil {
		if err := p.WS.Send(driverID, offer); err == nil {
			return nil
		}
	}
	return p.post(ctx, map[string]any{"to": driverID, "offer": offer})
}

func (p *PushGateway) NotifyRider(ctx context.Context, riderID string, update RiderUpdate) error {
	if p.WS != nil {
		if err := p.WS.Send(riderID, update); err == nil {
			return nil
		}
	}
	return p.post(ctx, map[string]any{"to": riderID, "update": update})
}

func (p *PushGateway) post(ctx context.Context, body map[string]any) error {
	if p.Endpoint == "" {
		return nil
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
