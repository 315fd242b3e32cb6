package reply

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voicev2/internal/observability"
	"github.com/lexiqai/voicev2/internal/resilience"
)

const (
	replyServiceName = "voicev2.reply.v1.ReplyService"
	generateMethod   = "/" + replyServiceName + "/Generate"
)

var generateStreamDesc = grpc.StreamDesc{
	StreamName:    "Generate",
	ServerStreams: true,
}

// GRPCConfig configures the reply service client.
type GRPCConfig struct {
	Addr  string
	TLS   bool
	Retry *resilience.RetryConfig
	// DialOptions are appended to the defaults; tests use them for bufconn.
	DialOptions []grpc.DialOption
}

// GRPCGenerator streams replies from the reply service. Requests and
// responses travel as google.protobuf.Struct.
type GRPCGenerator struct {
	config         GRPCConfig
	conn           *grpc.ClientConn
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

// NewGRPCGenerator creates the client connection. The connection is lazy;
// no network traffic happens until the first Generate.
func NewGRPCGenerator(cfg GRPCConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) (*GRPCGenerator, error) {
	var opts []grpc.DialOption
	if cfg.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Keepalive settings for long-lived connections
	opts = append(opts, grpc.WithKeepaliveParams(keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}))
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create reply client for %s: %w", cfg.Addr, err)
	}
	if cfg.Retry == nil {
		cfg.Retry = resilience.DefaultRetryConfig()
	}

	return &GRPCGenerator{
		config:         cfg,
		conn:           conn,
		circuitBreaker: breaker,
		logger:         observability.Component(logger, "reply.grpc"),
	}, nil
}

func (g *GRPCGenerator) Generate(ctx context.Context, req Request) (<-chan Chunk, error) {
	msg, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}

	var stream grpc.ClientStream
	err = g.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			s, err := g.conn.NewStream(ctx, &generateStreamDesc, generateMethod)
			if err != nil {
				return err
			}
			if err := s.SendMsg(msg); err != nil {
				return err
			}
			if err := s.CloseSend(); err != nil {
				return err
			}
			stream = s
			return nil
		}, g.config.Retry, resilience.IsRetryableNetworkError)
	})
	observability.UpdateCircuitBreakerState(g.circuitBreaker.Name(), int(g.circuitBreaker.GetState()))
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(g.circuitBreaker.Name())
		}
		return nil, fmt.Errorf("failed to call Generate: %w", err)
	}

	chunks := make(chan Chunk, 32)
	go func() {
		defer close(chunks)
		for {
			resp := &structpb.Struct{}
			if err := stream.RecvMsg(resp); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					g.logger.Warn().Err(err).Str("attempt_id", req.AttemptID).Msg("Reply stream failed")
					select {
					case chunks <- Chunk{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}

			text, done, respErr := decodeResponse(resp)
			if respErr != nil {
				select {
				case chunks <- Chunk{Err: respErr}:
				case <-ctx.Done():
				}
				return
			}
			if text != "" {
				select {
				case chunks <- Chunk{Text: text}:
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
		}
	}()
	return chunks, nil
}

func (g *GRPCGenerator) Close() error {
	return g.conn.Close()
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]interface{}, 0, len(req.History))
	for _, turn := range req.History {
		history = append(history, map[string]interface{}{
			"role": string(turn.Role),
			"text": turn.Text,
		})
	}
	return structpb.NewStruct(map[string]interface{}{
		"attempt_id":   req.AttemptID,
		"utterance_id": req.UtteranceID,
		"text":         req.Text,
		"history":      history,
	})
}

func decodeRequest(s *structpb.Struct) Request {
	fields := s.GetFields()
	req := Request{
		AttemptID:   fields["attempt_id"].GetStringValue(),
		UtteranceID: fields["utterance_id"].GetStringValue(),
		Text:        fields["text"].GetStringValue(),
	}
	for _, v := range fields["history"].GetListValue().GetValues() {
		turn := v.GetStructValue().GetFields()
		req.History = append(req.History, Turn{
			Role: Role(turn["role"].GetStringValue()),
			Text: turn["text"].GetStringValue(),
		})
	}
	return req
}

func decodeResponse(s *structpb.Struct) (text string, done bool, err error) {
	fields := s.GetFields()
	if e := fields["error"].GetStructValue(); e != nil {
		ef := e.GetFields()
		return "", true, fmt.Errorf("reply service error %s: %s", ef["code"].GetStringValue(), ef["message"].GetStringValue())
	}
	return fields["text_chunk"].GetStringValue(), fields["is_done"].GetBoolValue(), nil
}

// ReplyServer is implemented by reply service backends.
type ReplyServer interface {
	Generate(ctx context.Context, req Request, send func(text string) error) error
}

// RegisterReplyServer registers srv on s under the reply service name.
func RegisterReplyServer(s *grpc.Server, srv ReplyServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: replyServiceName,
		HandlerType: (*ReplyServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Generate",
			Handler:       generateHandler,
			ServerStreams: true,
		}},
	}, srv)
}

func generateHandler(srv interface{}, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	send := func(text string) error {
		out, err := structpb.NewStruct(map[string]interface{}{"text_chunk": text})
		if err != nil {
			return err
		}
		return stream.SendMsg(out)
	}

	if err := srv.(ReplyServer).Generate(stream.Context(), decodeRequest(in), send); err != nil {
		out, _ := structpb.NewStruct(map[string]interface{}{
			"is_done": true,
			"error":   map[string]interface{}{"code": "generation_failed", "message": err.Error()},
		})
		return stream.SendMsg(out)
	}

	done, _ := structpb.NewStruct(map[string]interface{}{"is_done": true})
	return stream.SendMsg(done)
}
