package signaling

import (
	"context"
	"encoding/json"
	"time"
)

const delaySchema = `{
	"type": "object",
	"properties": {
		"ms": {"type": "integer", "minimum": 0, "maximum": 60000},
		"echo": {}
	},
	"required": ["ms"]
}`

const failSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "integer", "minimum": 400, "maximum": 599},
		"reason": {"type": "string"}
	}
}`

// RegisterDemoMethods installs echo, delay and fail on s:
//
//	echo   replies with the request data
//	delay  waits data.ms milliseconds, then replies with data.echo
//	fail   replies with error data.code (default 500) and data.reason
func RegisterDemoMethods(s *Server) error {
	if err := s.Schemas().Register("delay", []byte(delaySchema)); err != nil {
		return err
	}
	if err := s.Schemas().Register("fail", []byte(failSchema)); err != nil {
		return err
	}

	if err := s.Handle("echo", func(_ context.Context, req *Request) (interface{}, error) {
		return req.Data, nil
	}); err != nil {
		return err
	}

	if err := s.Handle("delay", func(ctx context.Context, req *Request) (interface{}, error) {
		var params struct {
			Ms   int             `json:"ms"`
			Echo json.RawMessage `json:"echo"`
		}
		if err := req.Bind(&params); err != nil {
			return nil, err
		}

		timer := time.NewTimer(time.Duration(params.Ms) * time.Millisecond)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if len(params.Echo) == 0 {
			return nil, nil
		}
		return params.Echo, nil
	}); err != nil {
		return err
	}

	return s.Handle("fail", func(_ context.Context, req *Request) (interface{}, error) {
		params := struct {
			Code   int    `json:"code"`
			Reason string `json:"reason"`
		}{Code: CodeInternalError, Reason: "requested failure"}
		if err := req.Bind(&params); err != nil {
			return nil, err
		}
		return nil, NewPeerError(params.Code, params.Reason)
	})
}
