package librelink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"libresync/internal/domain"
	"libresync/internal/ports"

	"github.com/pkg/errors"
)

const connectionsPath = "/llu/connections"

// ActiveSensor describes the sensor currently attached to a connection.
type ActiveSensor struct {
	Sensor struct {
		DeviceID string `json:"deviceId"`
		SN       string `json:"sn"`
		A        int64  `json:"a"`
	} `json:"sensor"`
	Device struct {
		DID  string `json:"did"`
		DTID int    `json:"dtid"`
	} `json:"device"`
}

// GraphConnection is the connection block of a graph response.
type GraphConnection struct {
	domain.Connection
	GlucoseMeasurement *domain.RawReading `json:"glucoseMeasurement"`
}

// GraphData is the payload of the graph endpoint.
type GraphData struct {
	Connection    *GraphConnection    `json:"connection"`
	ActiveSensors []ActiveSensor      `json:"activeSensors"`
	GraphData     []domain.RawReading `json:"graphData"`
}

// Client exposes the data endpoints on top of an authenticated requester.
type Client struct {
	requester ports.Requester
}

func NewClient(requester ports.Requester) *Client {
	return &Client{requester: requester}
}

// Connections lists the patients the account follows.
func (c *Client) Connections(ctx context.Context) ([]domain.Connection, error) {
	body, err := c.requester.Request(ctx, http.MethodGet, connectionsPath, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []domain.Connection `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.Malformed("decode connections", err)
	}
	return resp.Data, nil
}

// Graph fetches the current measurement and the history of one connection.
func (c *Client) Graph(ctx context.Context, connectionID string) (GraphData, error) {
	if connectionID == "" {
		return GraphData{}, errors.New("empty connection id")
	}

	body, err := c.requester.Request(ctx, http.MethodGet, connectionsPath+"/"+url.PathEscape(connectionID)+"/graph", nil)
	if err != nil {
		return GraphData{}, err
	}

	var resp struct {
		Data *GraphData `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return GraphData{}, domain.Malformed("decode graph", err)
	}
	if resp.Data == nil {
		return GraphData{}, domain.Malformed("decode graph", errors.New("missing data"))
	}
	if resp.Data.Connection == nil || resp.Data.Connection.GlucoseMeasurement == nil {
		return GraphData{}, domain.Malformed("decode graph", errors.New("missing connection glucose measurement"))
	}
	return *resp.Data, nil
}
