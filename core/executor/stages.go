package executor

import (
	"context"
	"fmt"
	"strings"

	"ai-serving/core/protocol"
)

// Preprocess sends the staged input paths and returns the worker's encoded preprocess result
func (c *Client) Preprocess(ctx context.Context, ep Endpoint, paths []string) ([]byte, error) {
	payload, err := protocol.JoinPaths(paths)
	if err != nil {
		return nil, err
	}
	return c.Call(ctx, ep, protocol.CmdPreprocess, payload)
}

// Inference forwards the preprocess result unchanged and returns the encoded inference result
func (c *Client) Inference(ctx context.Context, ep Endpoint, inputs []byte) ([]byte, error) {
	return c.Call(ctx, ep, protocol.CmdInference, inputs)
}

// Postprocess forwards the inference result and returns the local path of the result file the worker wrote
func (c *Client) Postprocess(ctx context.Context, ep Endpoint, outputs []byte) (string, error) {
	payload, err := c.Call(ctx, ep, protocol.CmdPostprocess, outputs)
	if err != nil {
		return "", err
	}

	resultPath := strings.TrimSpace(string(payload))
	if resultPath == "" {
		return "", &protocol.ProtocolError{Message: fmt.Sprintf("%s returned no result path", protocol.CmdPostprocess)}
	}
	return resultPath, nil
}
