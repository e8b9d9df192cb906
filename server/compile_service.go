package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/chazu/fluid/cache"
	"github.com/chazu/fluid/compiler"
	"github.com/chazu/fluid/pkg/bytecode"
)

// Procedure paths served by CompileService.
const (
	CompileServiceName   = "fluid.v1.CompileService"
	CompileProcedure     = "/" + CompileServiceName + "/Compile"
	DisassembleProcedure = "/" + CompileServiceName + "/Disassemble"
	defaultServiceChunk  = "=request"
)

// CompileRequest asks for source text to be compiled to a dump.
type CompileRequest struct {
	Source    string `cbor:"1,keyasint"`
	ChunkName string `cbor:"2,keyasint,omitempty"`
	Strip     bool   `cbor:"3,keyasint,omitempty"`
	BigEndian bool   `cbor:"4,keyasint,omitempty"`
	Wide      bool   `cbor:"5,keyasint,omitempty"`
	Listing   bool   `cbor:"6,keyasint,omitempty"`
}

// Diagnostic is one compile error in a response.
type Diagnostic struct {
	Kind    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Token   string `cbor:"3,keyasint,omitempty"`
	Line    int    `cbor:"4,keyasint"`
	Column  int    `cbor:"5,keyasint,omitempty"`
}

// CompileResponse carries either a dump or the diagnostics that prevented
// one.
type CompileResponse struct {
	RequestID   string       `cbor:"1,keyasint"`
	Success     bool         `cbor:"2,keyasint"`
	Dump        []byte       `cbor:"3,keyasint,omitempty"`
	Listing     string       `cbor:"4,keyasint,omitempty"`
	Cached      bool         `cbor:"5,keyasint,omitempty"`
	Diagnostics []Diagnostic `cbor:"6,keyasint,omitempty"`
}

// DisassembleRequest asks for a listing of a dump.
type DisassembleRequest struct {
	Dump      []byte `cbor:"1,keyasint"`
	ChunkName string `cbor:"2,keyasint,omitempty"`
	Wide      bool   `cbor:"3,keyasint,omitempty"`
}

// DisassembleResponse carries the listing and the structured prototype tree.
type DisassembleResponse struct {
	RequestID string             `cbor:"1,keyasint"`
	Listing   string             `cbor:"2,keyasint"`
	Proto     *bytecode.ProtoDoc `cbor:"3,keyasint,omitempty"`
}

// CompileService implements the compile and disassemble procedures.
type CompileService struct {
	cache *cache.Cache
}

// NewCompileService creates a CompileService. A nil cache disables caching.
func NewCompileService(c *cache.Cache) *CompileService {
	return &CompileService{cache: c}
}

// Handler returns the service's routes mounted under its service path.
func (s *CompileService) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(cborCodec{})}, opts...)
	mux := http.NewServeMux()
	mux.Handle(CompileProcedure, connect.NewUnaryHandler(CompileProcedure, s.Compile, opts...))
	mux.Handle(DisassembleProcedure, connect.NewUnaryHandler(DisassembleProcedure, s.Disassemble, opts...))
	return "/" + CompileServiceName + "/", mux
}

// Compile compiles source text. Compile errors are reported as
// diagnostics in a successful response.
func (s *CompileService) Compile(
	ctx context.Context,
	req *connect.Request[CompileRequest],
) (*connect.Response[CompileResponse], error) {
	msg := req.Msg
	if strings.TrimSpace(msg.Source) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	chunk := msg.ChunkName
	if chunk == "" {
		chunk = defaultServiceChunk
	}
	opts := bytecode.DumpOptions{Strip: msg.Strip, BigEndian: msg.BigEndian, Wide: msg.Wide}
	resp := &CompileResponse{RequestID: uuid.New().String()}

	var (
		dump []byte
		err  error
	)
	if s.cache != nil {
		dump, resp.Cached, err = s.cache.Compile(ctx, []byte(msg.Source), chunk, opts)
	} else {
		dump, err = compileDump([]byte(msg.Source), chunk, opts)
	}
	if err != nil {
		var cerr *compiler.Error
		if !errors.As(err, &cerr) {
			log.Errorf("compile %s: %s", resp.RequestID, err)
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp.Diagnostics = diagnose([]byte(msg.Source), chunk, cerr)
		return connect.NewResponse(resp), nil
	}

	resp.Success = true
	resp.Dump = dump
	if msg.Listing {
		pt, err := bytecode.Load(dump, bytecode.LoadOptions{ChunkName: chunk, WideInstructions: opts.Wide})
		if err != nil {
			return nil, connect.NewError(connect.CodeInternal, err)
		}
		resp.Listing = bytecode.Disassemble(pt)
	}
	return connect.NewResponse(resp), nil
}

// Disassemble lists a dump.
func (s *CompileService) Disassemble(
	ctx context.Context,
	req *connect.Request[DisassembleRequest],
) (*connect.Response[DisassembleResponse], error) {
	msg := req.Msg
	if len(msg.Dump) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("dump is required"))
	}
	pt, err := bytecode.Load(msg.Dump, bytecode.LoadOptions{ChunkName: msg.ChunkName, WideInstructions: msg.Wide})
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewResponse(&DisassembleResponse{
		RequestID: uuid.New().String(),
		Listing:   bytecode.Disassemble(pt),
		Proto:     bytecode.ExportProto(pt),
	}), nil
}

func compileDump(src []byte, chunk string, opts bytecode.DumpOptions) ([]byte, error) {
	pt, err := compiler.Compile(src, chunk, compiler.Options{})
	if err != nil {
		return nil, err
	}
	return bytecode.Dump(pt, opts)
}

// diagnose collects every error in src, falling back to the first one.
func diagnose(src []byte, chunk string, first *compiler.Error) []Diagnostic {
	errs := compiler.Diagnose(src, chunk)
	if len(errs) == 0 {
		errs = []*compiler.Error{first}
	}
	if len(errs) > compiler.MaxDiagnostics {
		errs = errs[:compiler.MaxDiagnostics]
	}
	out := make([]Diagnostic, len(errs))
	for i, e := range errs {
		out[i] = Diagnostic{
			Kind:    e.Kind.String(),
			Message: e.Msg,
			Token:   e.Token,
			Line:    e.Line,
			Column:  e.Column,
		}
	}
	return out
}

// CompileClient calls a remote CompileService.
type CompileClient struct {
	compile     *connect.Client[CompileRequest, CompileResponse]
	disassemble *connect.Client[DisassembleRequest, DisassembleResponse]
}

// NewCompileClient creates a client for the service at baseURL.
func NewCompileClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *CompileClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(cborCodec{})}, opts...)
	return &CompileClient{
		compile:     connect.NewClient[CompileRequest, CompileResponse](httpClient, baseURL+CompileProcedure, opts...),
		disassemble: connect.NewClient[DisassembleRequest, DisassembleResponse](httpClient, baseURL+DisassembleProcedure, opts...),
	}
}

// Compile calls CompileService.Compile.
func (c *CompileClient) Compile(ctx context.Context, req *CompileRequest) (*CompileResponse, error) {
	resp, err := c.compile.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Disassemble calls CompileService.Disassemble.
func (c *CompileClient) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	resp, err := c.disassemble.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
