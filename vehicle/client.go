// Package vehicle is a thin client for the vehicle fleet API built on the
// generic authorization client.
package vehicle

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/go-authgate/vehicle-link/authclient"
)

// API is the subset of *authclient.Client used here.
type API interface {
	Get(ctx context.Context, path string, opts ...authclient.RequestOption) (*authclient.Response, error)
	Post(ctx context.Context, path string, body any, opts ...authclient.RequestOption) (*authclient.Response, error)
}

type Vehicle struct {
	ID          string `json:"id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

// Online reports whether the vehicle accepts commands without waking up.
func (v Vehicle) Online() bool {
	return v.State == "online"
}

type CommandResult struct {
	Result bool   `json:"result"`
	Reason string `json:"reason,omitempty"`
}

type Client struct {
	api API
}

func New(api API) *Client {
	return &Client{api: api}
}

func (c *Client) Vehicles(ctx context.Context) ([]Vehicle, error) {
	resp, err := c.api.Get(ctx, "/vehicles")
	if err != nil {
		return nil, err
	}
	return decode[[]Vehicle](resp)
}

func (c *Client) Vehicle(ctx context.Context, id string) (Vehicle, error) {
	if id == "" {
		return Vehicle{}, errors.New("vehicle ID is required")
	}
	resp, err := c.api.Get(ctx, "/vehicles/"+url.PathEscape(id))
	if err != nil {
		return Vehicle{}, err
	}
	return decode[Vehicle](resp)
}

// WakeUp asks the vehicle to come online. The returned state may still be
// "asleep"; poll Vehicle until Online reports true.
func (c *Client) WakeUp(ctx context.Context, id string) (Vehicle, error) {
	if id == "" {
		return Vehicle{}, errors.New("vehicle ID is required")
	}
	resp, err := c.api.Post(ctx, "/vehicles/"+url.PathEscape(id)+"/wake_up", nil)
	if err != nil {
		return Vehicle{}, err
	}
	return decode[Vehicle](resp)
}

func (c *Client) SendCommand(ctx context.Context, id, command string, params any) (CommandResult, error) {
	if id == "" || command == "" {
		return CommandResult{}, errors.New("vehicle ID and command are required")
	}
	path := "/vehicles/" + url.PathEscape(id) + "/command/" + url.PathEscape(command)
	if params == nil {
		params = map[string]any{}
	}
	resp, err := c.api.Post(ctx, path, params)
	if err != nil {
		return CommandResult{}, err
	}

	res, err := decode[CommandResult](resp)
	if err != nil {
		return CommandResult{}, err
	}
	if !res.Result {
		return res, fmt.Errorf("command %s rejected: %s", command, res.Reason)
	}
	return res, nil
}

// decode unwraps the {"response": ...} envelope.
func decode[T any](resp *authclient.Response) (T, error) {
	var envelope struct {
		Response T `json:"response"`
	}
	if err := resp.Decode(&envelope); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to decode vehicle response: %w", err)
	}
	return envelope.Response, nil
}
