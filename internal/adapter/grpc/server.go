package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/simaogato/mixflow-backend/internal/domain"
	"github.com/simaogato/mixflow-backend/internal/usecase/mixer"
)

// Server implements the MixService gRPC server
type Server struct {
	MixService *mixer.MixService
	Accounts   domain.AccountDirectory
	Defaults   mixer.Options
}

// NewServer creates a new gRPC server instance.
// defaults are the run options used for every field a request leaves out.
func NewServer(mixService *mixer.MixService, accounts domain.AccountDirectory, defaults mixer.Options) *Server {
	return &Server{
		MixService: mixService,
		Accounts:   accounts,
		Defaults:   defaults,
	}
}

// mixRequest is a decoded StartMix/PlanMix request
type mixRequest struct {
	chain  *domain.TransferChain
	amount decimal.Decimal
	opts   mixer.Options
}

// StartMix handles the StartMix RPC
func (s *Server) StartMix(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := s.parseMixRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	// Call usecase service
	result, err := s.MixService.Start(ctx, in.chain, in.amount, in.opts)
	if err != nil {
		return nil, withReport(mapError(err), result)
	}

	// Build response
	return reportStruct(result)
}

// PlanMix handles the PlanMix RPC
func (s *Server) PlanMix(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := s.parseMixRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	plan, err := s.MixService.Plan(in.chain, in.amount, in.opts)
	if err != nil {
		return nil, mapError(err)
	}

	return planStruct(plan)
}

// GetRun handles the GetRun RPC
func (s *Server) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// Parse run ID
	runID, err := uuid.Parse(stringField(req, "run_id"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid run_id format: %v", err)
	}

	result, err := s.MixService.GetRun(ctx, runID)
	if err != nil {
		return nil, mapError(err)
	}

	return reportStruct(result)
}

// ListRuns handles the ListRuns RPC
func (s *Server) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := int(numberField(req, "limit"))
	offset := int(numberField(req, "offset"))

	results, err := s.MixService.ListRuns(ctx, limit, offset)
	if err != nil {
		return nil, mapError(err)
	}

	runs := make([]any, 0, len(results))
	for _, result := range results {
		report, err := reportStruct(result)
		if err != nil {
			return nil, err
		}
		runs = append(runs, report.AsMap())
	}

	resp, err := structpb.NewStruct(map[string]any{"runs": runs})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode runs: %v", err)
	}
	return resp, nil
}

// parseMixRequest resolves the route and run options of a request.
// Fields left out keep the server defaults.
func (s *Server) parseMixRequest(ctx context.Context, req *structpb.Struct) (*mixRequest, error) {
	// Parse amount from string to decimal
	amount, err := decimal.NewFromString(stringField(req, "amount"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid amount format: %v", err)
	}

	// Resolve accounts
	source, err := s.lookup(ctx, "source", stringField(req, "source"))
	if err != nil {
		return nil, err
	}
	destination, err := s.lookup(ctx, "destination", stringField(req, "destination"))
	if err != nil {
		return nil, err
	}

	addresses := stringList(req, "intermediaries")
	intermediaries := make([]domain.Account, 0, len(addresses))
	for _, address := range addresses {
		account, err := s.lookup(ctx, "intermediary", address)
		if err != nil {
			return nil, err
		}
		intermediaries = append(intermediaries, account)
	}

	// No intermediaries means a single direct transfer
	var chain *domain.TransferChain
	if len(intermediaries) == 0 {
		chain, err = domain.NewDirectChain(source, destination)
	} else {
		chain, err = domain.NewTransferChain(source, intermediaries, destination)
	}
	if err != nil {
		return nil, mapError(err)
	}

	opts, err := s.parseOptions(req)
	if err != nil {
		return nil, err
	}

	return &mixRequest{chain: chain, amount: amount, opts: opts}, nil
}

func (s *Server) lookup(ctx context.Context, role, address string) (domain.Account, error) {
	if address == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s address is required", role)
	}
	account, err := s.Accounts.Lookup(ctx, address)
	if err != nil {
		return nil, mapError(fmt.Errorf("%s %s: %w", role, address, err))
	}
	return account, nil
}

func (s *Server) parseOptions(req *structpb.Struct) (mixer.Options, error) {
	opts := s.Defaults

	if raw := stringField(req, "strategy"); raw != "" {
		strategy, err := domain.ParseStrategy(raw)
		if err != nil {
			return opts, status.Errorf(codes.InvalidArgument, "invalid strategy: %s", raw)
		}
		opts.Strategy = strategy
	}

	if raw := stringField(req, "priority"); raw != "" {
		priority, err := domain.ParsePriority(raw)
		if err != nil {
			return opts, status.Errorf(codes.InvalidArgument, "%v", err)
		}
		opts.Priority = priority
	}

	if raw := stringField(req, "fee_mode"); raw != "" {
		feeMode, ok := domain.ParseFeeMode(raw)
		if !ok {
			return opts, status.Errorf(codes.InvalidArgument, "invalid fee_mode: %s", raw)
		}
		opts.FeeMode = feeMode
	}

	if _, ok := req.GetFields()["split_weights"]; !ok && opts.Strategy != domain.StrategyLeafway {
		// Configured weights only apply to fan-out runs
		opts.SplitWeights = nil
	} else if ok {
		opts.SplitWeights = nil
		for _, raw := range stringList(req, "split_weights") {
			weight, err := decimal.NewFromString(raw)
			if err != nil {
				return opts, status.Errorf(codes.InvalidArgument, "invalid split weight format: %v", err)
			}
			opts.SplitWeights = append(opts.SplitWeights, weight)
		}
	}

	durations := map[string]*time.Duration{
		"inter_hop_delay":   &opts.InterHopDelay,
		"confirmation_wait": &opts.ConfirmationWait,
		"branch_stagger":    &opts.BranchStagger,
		"base_delay":        &opts.Retry.BaseDelay,
		"max_delay":         &opts.Retry.MaxDelay,
	}
	for name, target := range durations {
		raw := stringField(req, name)
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return opts, status.Errorf(codes.InvalidArgument, "invalid %s format: %v", name, err)
		}
		*target = d
	}

	if v, ok := req.GetFields()["max_parallel"]; ok {
		opts.MaxParallel = int(v.GetNumberValue())
	}
	if v, ok := req.GetFields()["shuffle_intermediaries"]; ok {
		opts.ShuffleIntermediaries = v.GetBoolValue()
	}

	// Retry policy of the run, validated together with the other options
	if v, ok := req.GetFields()["max_attempts"]; ok {
		opts.Retry.MaxAttempts = int(v.GetNumberValue())
	}
	if v, ok := req.GetFields()["backoff_multiplier"]; ok {
		opts.Retry.BackoffMultiplier = v.GetNumberValue()
	}
	if v, ok := req.GetFields()["jitter"]; ok {
		opts.Retry.Jitter = v.GetBoolValue()
	}

	return opts, nil
}

func stringField(req *structpb.Struct, name string) string {
	return strings.TrimSpace(req.GetFields()[name].GetStringValue())
}

func numberField(req *structpb.Struct, name string) float64 {
	return req.GetFields()[name].GetNumberValue()
}

func stringList(req *structpb.Struct, name string) []string {
	values := req.GetFields()[name].GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v.GetStringValue()))
	}
	return out
}

// withReport attaches the partial report of a run that failed mid-way to
// the status details, so the caller still learns where the funds sit
func withReport(err error, result *domain.MixRunResult) error {
	if result == nil {
		return err
	}
	report, encodeErr := reportStruct(result)
	if encodeErr != nil {
		return err
	}
	detailed, detailErr := status.Convert(err).WithDetails(report)
	if detailErr != nil {
		return err
	}
	return detailed.Err()
}

// reportStruct converts a run report using its JSON form
func reportStruct(result *domain.MixRunResult) (*structpb.Struct, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode run report: %v", err)
	}

	report := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, report); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode run report: %v", err)
	}
	return report, nil
}

func planStruct(plan *mixer.Plan) (*structpb.Struct, error) {
	groups := make([]any, 0, len(plan.Groups))
	for _, group := range plan.Groups {
		requests := make([]any, 0, len(group.Requests))
		for _, req := range group.Requests {
			requests = append(requests, map[string]any{
				"id":     req.ID.String(),
				"from":   req.From.Address(),
				"to":     req.To.Address(),
				"amount": req.Amount.String(),
				"delay":  req.Delay.String(),
			})
		}
		groups = append(groups, map[string]any{
			"phase":    string(group.Phase),
			"parallel": group.Parallel,
			"requests": requests,
		})
	}

	route := make([]any, 0)
	for _, address := range plan.Chain.Addresses() {
		route = append(route, address)
	}

	resp, err := structpb.NewStruct(map[string]any{
		"run_id":             plan.RunID.String(),
		"strategy":           string(plan.Strategy),
		"amount":             plan.Amount.String(),
		"route":              route,
		"groups":             groups,
		"estimated_duration": plan.EstimatedDuration.String(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode plan: %v", err)
	}
	return resp, nil
}

// mapError maps domain errors to appropriate gRPC status codes
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	var chainErr *domain.InvalidChainError
	var fundsErr *domain.InsufficientFundsError
	var sessionErr *domain.SessionError

	switch {
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s", err.Error())
	case errors.Is(err, domain.ErrRunNotFound), errors.Is(err, domain.ErrAccountNotFound):
		return status.Errorf(codes.NotFound, "%s", err.Error())
	case errors.Is(err, domain.ErrSessionInactive):
		// An account was used outside its session: a bug, not a caller error
		return status.Errorf(codes.Internal, "%s", err.Error())
	case errors.As(err, &fundsErr):
		return status.Errorf(codes.FailedPrecondition, "%s", err.Error())
	case errors.As(err, &sessionErr):
		return status.Errorf(codes.Unavailable, "%s", err.Error())
	case errors.As(err, &chainErr),
		errors.Is(err, domain.ErrNonPositiveAmount),
		errors.Is(err, domain.ErrUnknownStrategy):
		return status.Errorf(codes.InvalidArgument, "%s", err.Error())
	}

	errorMsg := err.Error()

	// Map remaining validation errors to InvalidArgument
	if strings.Contains(errorMsg, "invalid") ||
		strings.Contains(errorMsg, "must be") ||
		strings.Contains(errorMsg, "decimals") {
		return status.Errorf(codes.InvalidArgument, "%s", errorMsg)
	}

	// Default to Internal error for unknown errors
	return status.Errorf(codes.Internal, "%s", errorMsg)
}
