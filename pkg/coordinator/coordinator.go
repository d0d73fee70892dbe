package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/entdb/entdb/pkg/apierr"
	"github.com/entdb/entdb/pkg/metrics"
	"github.com/entdb/entdb/pkg/schema"
	"github.com/entdb/entdb/pkg/txn"
	"github.com/entdb/entdb/pkg/wal"
)

// Coordinator processes client transaction requests into framed WAL
// events (spec component C3). Instances are stateless aside from the
// short-lived inflight cache and are safe to run in parallel across
// goroutines or processes.
type Coordinator struct {
	registry *schema.Registry
	backend  wal.Backend
	reader   StoreReader    // optional; nil disables best-effort consistency checks
	waiter   AppliedWaiter  // optional; nil makes WaitForApplied a no-op
	inflight *inflightCache
}

// Config configures a Coordinator.
type Config struct {
	Registry      *schema.Registry
	Backend       wal.Backend
	Reader        StoreReader
	Waiter        AppliedWaiter
	InflightTTL   time.Duration
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		registry: cfg.Registry,
		backend:  cfg.Backend,
		reader:   cfg.Reader,
		waiter:   cfg.Waiter,
		inflight: newInflightCache(cfg.InflightTTL),
	}
}

// Process runs the full coordination pipeline for one request (spec
// §4.3 steps 1-8).
func (c *Coordinator) Process(ctx context.Context, req Request) (receipt *Receipt, err error) {
	defer func() {
		if err != nil {
			metrics.CoordinatorErrorsTotal.WithLabelValues(errorCode(err)).Inc()
		}
	}()
	now := time.Now()

	// Step 1: idempotency check. A retry of the same idempotency key must
	// carry the same request body (spec §8); a different body is a client
	// bug, not a retry, and is rejected rather than silently returning the
	// stale receipt.
	bodyFingerprint, err := requestFingerprint(req.Operations)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "fingerprint request body: %v", err)
	}
	if cached, found, mismatch := c.inflight.get(req.TenantID, req.IdempotencyKey, bodyFingerprint, now); found {
		if mismatch {
			return nil, apierr.New(apierr.InvalidRequest, "idempotency_key %q reused with a different request body", req.IdempotencyKey)
		}
		return cached, nil
	}
	if c.reader != nil {
		if applied, ok, err := c.reader.AppliedResult(req.IdempotencyKey); err != nil {
			return nil, apierr.New(apierr.Internal, "idempotency lookup: %v", err)
		} else if ok {
			return &Receipt{
				ReceiptID:   applied.EventID,
				WALPosition: applied.WALPosition,
				Applied:     true,
				Conflicts:   applied.Conflicts,
			}, nil
		}
	}

	// Steps 2-5: validate, assign ids, resolve references, check
	// intra-transaction consistency.
	ops, aliasToID, err := c.resolveOperations(req)
	if err != nil {
		return nil, err
	}

	// Step 6: event framing.
	var fingerprint [32]byte
	if c.registry != nil {
		fingerprint = c.registry.Fingerprint()
	}
	event := &txn.Event{
		EventID:           newEventID(),
		TenantID:          req.TenantID,
		Actor:             req.Actor,
		IdempotencyKey:    req.IdempotencyKey,
		SchemaFingerprint: fingerprint,
		CreatedAtMS:       now.UnixMilli(),
		Operations:        ops,
	}
	encoded, err := txn.Encode(event)
	if err != nil {
		return nil, apierr.New(apierr.Internal, "encode event: %v", err)
	}

	// Step 7: append.
	position, err := c.backend.Append(ctx, req.TenantID, encoded)
	if err != nil {
		return nil, classifyAppendError(err)
	}

	// Step 8: build and cache the receipt.
	receipt = &Receipt{
		ReceiptID:     newReceiptID(),
		WALPosition:   uint64(position),
		Applied:       false,
		ResultAliases: aliasToID,
	}
	c.inflight.put(req.TenantID, req.IdempotencyKey, bodyFingerprint, receipt, now)

	if req.WaitForApplied && c.waiter != nil {
		waitCtx := ctx
		if !req.Deadline.IsZero() {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithDeadline(ctx, req.Deadline)
			defer cancel()
		}
		if err := c.waiter.WaitApplied(waitCtx, req.TenantID, uint64(position)); err != nil {
			// The append already succeeded; report the receipt as-is but
			// surface the wait failure so the caller can decide whether to
			// poll or treat it as best-effort.
			return receipt, fmt.Errorf("coordinator: wait_for_applied: %w", err)
		}
		receipt.Applied = true
	}

	return receipt, nil
}

// errorCode extracts the apierr.Code label for CoordinatorErrorsTotal,
// falling back to a generic label for errors this package didn't
// originate (e.g. the wrapped wait_for_applied failure).
func errorCode(err error) string {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return string(apiErr.Code)
	}
	return "wait_for_applied_timeout"
}

func classifyAppendError(err error) error {
	var appendErr *wal.AppendError
	if !asAppendError(err, &appendErr) {
		return apierr.New(apierr.Internal, "append: %v", err)
	}
	switch appendErr.Outcome {
	case wal.OutcomeTransient, wal.OutcomeUnavailable:
		return apierr.New(apierr.ServiceUnavailable, "append: %v", appendErr)
	case wal.OutcomePermanent:
		return apierr.New(apierr.InvalidRequest, "append: %v", appendErr)
	default:
		return apierr.New(apierr.Internal, "append: %v", appendErr)
	}
}

func asAppendError(err error, target **wal.AppendError) bool {
	for err != nil {
		if ae, ok := err.(*wal.AppendError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// requestFingerprint hashes the client-submitted operation list exactly as
// received, before alias resolution or default expansion, so that two
// requests with the same idempotency key but different bodies never
// collide on the same inflight entry (spec §8). encoding/json sorts map
// keys, so the encoding is stable regardless of Go map iteration order.
func requestFingerprint(ops []OpInput) (uint64, error) {
	body, err := json.Marshal(ops)
	if err != nil {
		return 0, fmt.Errorf("encode request body: %w", err)
	}
	return xxhash.Sum64(body), nil
}

// resolveOperations runs steps 2-5 over req's operations: schema
// validation and default expansion, id assignment for creates, alias
// reference resolution, and best-effort intra-transaction consistency
// checks.
func (c *Coordinator) resolveOperations(req Request) ([]txn.Operation, map[string]string, error) {
	aliasToID := make(map[string]string)
	ops := make([]txn.Operation, 0, len(req.Operations))

	// First pass: assign ids to every create_node and record its alias
	// binding, so later operations in the same request can reference
	// nodes created earlier (spec §4.3 step 3-4).
	assignedIDs := make([]string, len(req.Operations))
	for i, op := range req.Operations {
		if op.Kind != txn.KindCreateNode {
			continue
		}
		id := op.NodeID
		if id == "" {
			id = newNodeID()
		}
		assignedIDs[i] = id
		if op.Alias != "" {
			aliasToID[op.Alias] = id
		}
	}

	for i, op := range req.Operations {
		resolved, err := c.resolveOne(op, assignedIDs[i], aliasToID)
		if err != nil {
			return nil, nil, err
		}
		ops = append(ops, resolved)
	}
	return ops, aliasToID, nil
}

func (c *Coordinator) resolveOne(op OpInput, assignedID string, aliasToID map[string]string) (txn.Operation, error) {
	switch op.Kind {
	case txn.KindCreateNode:
		return c.resolveCreateNode(op, assignedID)
	case txn.KindUpdateNode:
		return c.resolveUpdateNode(op, aliasToID)
	case txn.KindDeleteNode:
		nodeID, err := resolveRef(op.NodeID, aliasToID)
		if err != nil {
			return txn.Operation{}, err
		}
		return txn.Operation{Kind: txn.KindDeleteNode, NodeID: nodeID}, nil
	case txn.KindCreateEdge:
		return c.resolveCreateEdge(op, aliasToID)
	case txn.KindDeleteEdge:
		fromID, err := resolveRef(op.FromID, aliasToID)
		if err != nil {
			return txn.Operation{}, err
		}
		toID, err := resolveRef(op.ToID, aliasToID)
		if err != nil {
			return txn.Operation{}, err
		}
		return txn.Operation{Kind: txn.KindDeleteEdge, EdgeTypeID: op.EdgeTypeID, FromID: fromID, ToID: toID}, nil
	case txn.KindSetVisibility:
		nodeID, err := resolveRef(op.NodeID, aliasToID)
		if err != nil {
			return txn.Operation{}, err
		}
		return txn.Operation{Kind: txn.KindSetVisibility, NodeID: nodeID, Principals: op.Principals}, nil
	default:
		return txn.Operation{}, apierr.New(apierr.InvalidRequest, "unknown operation kind %q", op.Kind)
	}
}

func (c *Coordinator) resolveCreateNode(op OpInput, assignedID string) (txn.Operation, error) {
	payload := op.Payload
	if c.registry != nil {
		if errs := c.registry.Validate(op.TypeID, op.Payload); len(errs) > 0 {
			return txn.Operation{}, validationError(errs)
		}
		if nt, ok := c.registry.GetNodeTypeByID(op.TypeID); ok {
			payload = nt.ExpandDefaults(op.Payload)
			if len(op.Principals) == 0 {
				op.Principals = nt.DefaultACL
			}
		}
	}
	return txn.Operation{
		Kind:       txn.KindCreateNode,
		TypeID:     op.TypeID,
		Payload:    payload,
		NodeID:     assignedID,
		Principals: op.Principals,
		Recipients: op.Recipients,
	}, nil
}

func (c *Coordinator) resolveUpdateNode(op OpInput, aliasToID map[string]string) (txn.Operation, error) {
	nodeID, err := resolveRef(op.NodeID, aliasToID)
	if err != nil {
		return txn.Operation{}, err
	}
	if c.registry != nil && c.reader != nil {
		if node, gerr := c.reader.GetNode(nodeID, true); gerr == nil {
			if errs := filterRequiredFieldErrors(c.registry.Validate(node.TypeID, op.PatchPayload)); len(errs) > 0 {
				return txn.Operation{}, validationError(errs)
			}
		}
	}
	if c.reader != nil && op.ExpectedVersion != nil {
		if node, gerr := c.reader.GetNode(nodeID, true); gerr == nil && node.Version != *op.ExpectedVersion {
			return txn.Operation{}, apierr.New(apierr.Conflict, "node %s: expected_version %d, observed %d", nodeID, *op.ExpectedVersion, node.Version).
				WithDetails(map[string]any{"node_id": nodeID, "expected_version": *op.ExpectedVersion, "observed_version": node.Version})
		}
	}
	return txn.Operation{
		Kind:            txn.KindUpdateNode,
		NodeID:          nodeID,
		PatchPayload:    op.PatchPayload,
		ExpectedVersion: op.ExpectedVersion,
	}, nil
}

func (c *Coordinator) resolveCreateEdge(op OpInput, aliasToID map[string]string) (txn.Operation, error) {
	fromID, err := resolveRef(op.FromID, aliasToID)
	if err != nil {
		return txn.Operation{}, err
	}
	toID, err := resolveRef(op.ToID, aliasToID)
	if err != nil {
		return txn.Operation{}, err
	}
	if c.registry != nil && c.reader != nil {
		et, ok := c.registry.GetEdgeType(op.EdgeTypeID)
		if !ok {
			return txn.Operation{}, apierr.New(apierr.InvalidRequest, "unknown edge_type_id %d", op.EdgeTypeID)
		}
		if from, gerr := c.reader.GetNode(fromID, true); gerr == nil && from.TypeID != et.FromType {
			return txn.Operation{}, apierr.New(apierr.InvalidRequest, "edge %s: from node %s has type %d, expected %d", et.Name, fromID, from.TypeID, et.FromType)
		}
		if to, gerr := c.reader.GetNode(toID, true); gerr == nil && to.TypeID != et.ToType {
			return txn.Operation{}, apierr.New(apierr.InvalidRequest, "edge %s: to node %s has type %d, expected %d", et.Name, toID, to.TypeID, et.ToType)
		}
	}
	return txn.Operation{
		Kind:       txn.KindCreateEdge,
		EdgeTypeID: op.EdgeTypeID,
		FromID:     fromID,
		ToID:       toID,
		Props:      op.Props,
	}, nil
}

// resolveRef replaces a "$alias.id" reference with its assigned id, or
// passes a concrete id through unchanged (spec §4.3 step 4).
func resolveRef(ref string, aliasToID map[string]string) (string, error) {
	if !strings.HasPrefix(ref, "$") {
		return ref, nil
	}
	if !strings.HasSuffix(ref, ".id") {
		return "", apierr.New(apierr.InvalidRequest, "malformed alias reference %q", ref)
	}
	name := strings.TrimSuffix(strings.TrimPrefix(ref, "$"), ".id")
	id, ok := aliasToID[name]
	if !ok {
		return "", apierr.New(apierr.InvalidRequest, "unresolved alias %q", name)
	}
	return id, nil
}

func filterRequiredFieldErrors(errs []schema.FieldError) []schema.FieldError {
	out := errs[:0:0]
	for _, e := range errs {
		if e.Reason == "missing required field" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func validationError(errs []schema.FieldError) error {
	return apierr.New(apierr.ValidationError, "%d field error(s)", len(errs)).
		WithDetails(map[string]any{"fields": errs})
}
