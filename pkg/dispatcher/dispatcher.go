package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/module-comms/pkg/comms"
	"github.com/morezero/module-comms/pkg/commserr"
	"github.com/morezero/module-comms/pkg/discovery"
	"github.com/morezero/module-comms/pkg/eventstore"
	"github.com/morezero/module-comms/pkg/message"
	"github.com/morezero/module-comms/pkg/workflow"
)

const logPrefix = "dispatcher:dispatch"

// Codes produced by the dispatcher itself.
const (
	CodeMethodNotFound = "METHOD_NOT_FOUND"
	CodeInvalidRequest = "INVALID_REQUEST"
)

// Dispatcher routes comms requests to the Communication Service.
type Dispatcher struct {
	svc *comms.Service
	// secure marks callers as arriving over a confidential transport.
	secure  bool
	resolve CallerResolver
}

// CallerResolver derives the caller of a request from its invocation context.
// A nil caller with a nil error makes the request anonymous. An error rejects
// the request with a security error.
type CallerResolver func(ctx context.Context, ic *InvocationContext, secure bool) (*comms.Caller, error)

// TrustInvocationContext takes the identity and permissions a request claims
// at face value. Only the NATS account permissions on the comms subject stand
// between a client and any permission it names.
func TrustInvocationContext(_ context.Context, ic *InvocationContext, secure bool) (*comms.Caller, error) {
	if ic == nil || ic.UserID == "" {
		return nil, nil
	}
	return &comms.Caller{
		ID:          ic.UserID,
		TenantID:    ic.TenantID,
		Permissions: ic.Permissions,
		Secure:      secure,
	}, nil
}

// Anonymous ignores claimed identities. Modules at the authenticated level
// and above then reject every remote call.
func Anonymous(context.Context, *InvocationContext, bool) (*comms.Caller, error) {
	return nil, nil
}

// NewDispatcherParams holds parameters for NewDispatcher.
type NewDispatcherParams struct {
	Service *comms.Service
	// SecureTransport is true when the NATS connection is TLS protected.
	SecureTransport bool
	// ResolveCaller defaults to TrustInvocationContext.
	ResolveCaller CallerResolver
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(params NewDispatcherParams) *Dispatcher {
	resolve := params.ResolveCaller
	if resolve == nil {
		resolve = TrustInvocationContext
	}
	return &Dispatcher{svc: params.Service, secure: params.SecureTransport, resolve: resolve}
}

// Dispatch routes a request to the matching façade operation and returns a response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	slog.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	caller, err := d.resolve(ctx, req.Ctx, d.secure)
	if err != nil {
		if !errors.As(err, new(*commserr.Error)) {
			err = commserr.Security("caller rejected: %v", err)
		}
		slog.Warn(fmt.Sprintf("%s - rejected caller for %s: %v", logPrefix, req.Method, err))
		return errorToResponse(req.ID, err)
	}
	if caller != nil {
		ctx = comms.WithCaller(ctx, caller)
	}

	switch req.Method {
	case "sendRequest":
		return d.handleSendRequest(ctx, req)
	case "sendCommand":
		return d.handleSendCommand(ctx, req)
	case "publishEvent":
		return d.handlePublishEvent(ctx, req)
	case "getEvents":
		return d.handleGetEvents(ctx, req)
	case "startWorkflow":
		return d.handleStartWorkflow(ctx, req)
	case "getExecution":
		return d.handleGetExecution(req)
	case "listExecutions":
		return d.handleListExecutions(req)
	case "cancelWorkflow", "pauseWorkflow", "resumeWorkflow":
		return d.handleControlWorkflow(req)
	case "compensateWorkflow":
		return d.handleCompensateWorkflow(ctx, req)
	case "advertiseCapability":
		return d.handleAdvertise(ctx, req)
	case "removeCapability":
		return d.handleRemoveCapability(ctx, req)
	case "discoverModules":
		return d.handleDiscover(ctx, req)
	case "resolveCapability":
		return d.handleResolve(ctx, req)
	case "negotiateCapability":
		return d.handleNegotiate(ctx, req)
	case "validateContract":
		return d.handleValidateContract(ctx, req)
	case "listContracts":
		return d.handleListContracts(req)
	case "revokeContract":
		return d.handleRevokeContract(req)
	case "deadLetters":
		return d.handleDeadLetters(ctx, req)
	case "redrive":
		return d.handleRedrive(ctx, req)
	case "metrics":
		return &Response{ID: req.ID, Ok: true, Result: d.svc.Snapshot()}
	case "health":
		return &Response{ID: req.ID, Ok: true, Result: d.svc.Health(ctx)}
	default:
		return errorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("Unknown method: %s", req.Method), false)
	}
}

// decode unmarshals params into T. Empty params decode to the zero value.
func decode[T any](req *Request) (T, *Response) {
	var v T
	if len(req.Params) == 0 || string(req.Params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(req.Params, &v); err != nil {
		return v, errorResponse(req.ID, commserr.CodeInvalidArgument, fmt.Sprintf("Failed to parse %s params: %v", req.Method, err), false)
	}
	return v, nil
}

func parsePriority(id, s string) (message.Priority, *Response) {
	p, err := message.ParsePriority(s)
	if err != nil {
		return p, errorResponse(id, commserr.CodeInvalidArgument, err.Error(), false)
	}
	return p, nil
}

type sendRequestParams struct {
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Action    string                 `json:"action"`
	Data      map[string]interface{} `json:"data"`
	TimeoutMs int                    `json:"timeoutMs"`
	Priority  string                 `json:"priority"`
}

func (p sendRequestParams) toFacade(priority message.Priority) comms.RequestParams {
	return comms.RequestParams{
		Source:   p.Source,
		Target:   p.Target,
		Action:   p.Action,
		Data:     p.Data,
		Timeout:  time.Duration(p.TimeoutMs) * time.Millisecond,
		Priority: priority,
	}
}

func (d *Dispatcher) handleSendRequest(ctx context.Context, req *Request) *Response {
	p, bad := decode[sendRequestParams](req)
	if bad != nil {
		return bad
	}
	priority, bad := parsePriority(req.ID, p.Priority)
	if bad != nil {
		return bad
	}
	result, err := d.svc.SendRequest(ctx, p.toFacade(priority))
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: result}
}

func (d *Dispatcher) handleSendCommand(ctx context.Context, req *Request) *Response {
	p, bad := decode[sendRequestParams](req)
	if bad != nil {
		return bad
	}
	priority, bad := parsePriority(req.ID, p.Priority)
	if bad != nil {
		return bad
	}
	id, err := d.svc.SendCommand(ctx, p.toFacade(priority))
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"messageId": id}}
}

type publishEventParams struct {
	Source        string                 `json:"source"`
	Name          string                 `json:"name"`
	Data          map[string]interface{} `json:"data"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Version       int64                  `json:"version"`
	CorrelationID string                 `json:"correlationId"`
	CausationID   string                 `json:"causationId"`
	Tags          []string               `json:"tags"`
	Priority      string                 `json:"priority"`
}

func (d *Dispatcher) handlePublishEvent(ctx context.Context, req *Request) *Response {
	p, bad := decode[publishEventParams](req)
	if bad != nil {
		return bad
	}
	priority, bad := parsePriority(req.ID, p.Priority)
	if bad != nil {
		return bad
	}
	correlation := p.CorrelationID
	if correlation == "" && req.Ctx != nil {
		correlation = req.Ctx.CorrelationID
	}
	id, err := d.svc.PublishEvent(ctx, comms.PublishEventParams{
		Source:        p.Source,
		Name:          p.Name,
		Data:          p.Data,
		AggregateID:   p.AggregateID,
		AggregateType: p.AggregateType,
		Version:       p.Version,
		CorrelationID: correlation,
		CausationID:   p.CausationID,
		Tags:          p.Tags,
		Priority:      priority,
	})
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"eventId": id}}
}

type getEventsParams struct {
	AggregateID string               `json:"aggregateId"`
	Name        string               `json:"name"`
	Type        eventstore.EventType `json:"type"`
	Tag         string               `json:"tag"`
	FromVersion int64                `json:"fromVersion"`
	ToVersion   int64                `json:"toVersion"`
	Limit       int                  `json:"limit"`
}

func (d *Dispatcher) handleGetEvents(ctx context.Context, req *Request) *Response {
	p, bad := decode[getEventsParams](req)
	if bad != nil {
		return bad
	}
	evs, err := d.svc.Events().Store().GetEvents(ctx, eventstore.Filter{
		AggregateID: p.AggregateID,
		Name:        p.Name,
		Type:        p.Type,
		Tag:         p.Tag,
		FromVersion: p.FromVersion,
		ToVersion:   p.ToVersion,
		Limit:       p.Limit,
	})
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"events": evs}}
}

type startWorkflowParams struct {
	Source     string                 `json:"source"`
	WorkflowID string                 `json:"workflowId"`
	Input      map[string]interface{} `json:"input"`
}

func (d *Dispatcher) handleStartWorkflow(ctx context.Context, req *Request) *Response {
	p, bad := decode[startWorkflowParams](req)
	if bad != nil {
		return bad
	}
	id, err := d.svc.StartWorkflow(ctx, p.Source, p.WorkflowID, p.Input)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"executionId": id}}
}

type executionParams struct {
	ExecutionID string `json:"executionId"`
}

func (d *Dispatcher) handleGetExecution(req *Request) *Response {
	p, bad := decode[executionParams](req)
	if bad != nil {
		return bad
	}
	x, err := d.svc.GetExecutionStatus(p.ExecutionID)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: x}
}

func (d *Dispatcher) handleListExecutions(req *Request) *Response {
	f, bad := decode[workflow.ListFilter](req)
	if bad != nil {
		return bad
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"executions": d.svc.Workflows().ListExecutions(f)}}
}

func (d *Dispatcher) handleControlWorkflow(req *Request) *Response {
	p, bad := decode[executionParams](req)
	if bad != nil {
		return bad
	}
	switch req.Method {
	case "cancelWorkflow":
		return &Response{ID: req.ID, Ok: true, Result: map[string]bool{"cancelled": d.svc.CancelWorkflow(p.ExecutionID)}}
	case "pauseWorkflow":
		if err := d.svc.Workflows().Pause(p.ExecutionID); err != nil {
			return errorToResponse(req.ID, err)
		}
	default:
		if err := d.svc.Workflows().Resume(p.ExecutionID); err != nil {
			return errorToResponse(req.ID, err)
		}
	}
	x, err := d.svc.GetExecutionStatus(p.ExecutionID)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"status": string(x.Status)}}
}

func (d *Dispatcher) handleCompensateWorkflow(ctx context.Context, req *Request) *Response {
	p, bad := decode[executionParams](req)
	if bad != nil {
		return bad
	}
	steps, err := d.svc.Workflows().Compensate(ctx, p.ExecutionID)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string][]string{"compensated": steps}}
}

type advertiseParams struct {
	ModuleID   string               `json:"moduleId"`
	Capability discovery.Capability `json:"capability"`
}

func (d *Dispatcher) handleAdvertise(ctx context.Context, req *Request) *Response {
	p, bad := decode[advertiseParams](req)
	if bad != nil {
		return bad
	}
	changed, err := d.svc.AdvertiseCapability(ctx, p.ModuleID, p.Capability)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]bool{"changed": changed}}
}

type removeCapabilityParams struct {
	ModuleID     string `json:"moduleId"`
	CapabilityID string `json:"capabilityId"`
}

func (d *Dispatcher) handleRemoveCapability(ctx context.Context, req *Request) *Response {
	p, bad := decode[removeCapabilityParams](req)
	if bad != nil {
		return bad
	}
	removed := d.svc.RemoveCapability(ctx, p.ModuleID, p.CapabilityID)
	return &Response{ID: req.ID, Ok: true, Result: map[string]bool{"removed": removed}}
}

func (d *Dispatcher) handleDiscover(ctx context.Context, req *Request) *Response {
	q, bad := decode[discovery.Query](req)
	if bad != nil {
		return bad
	}
	matches, err := d.svc.DiscoverModules(ctx, q)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	if matches == nil {
		matches = []discovery.Match{}
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"matches": matches}}
}

type resolveParams struct {
	Ref string `json:"ref"`
}

func (d *Dispatcher) handleResolve(ctx context.Context, req *Request) *Response {
	p, bad := decode[resolveParams](req)
	if bad != nil {
		return bad
	}
	m, err := d.svc.Discovery().ResolveCapability(ctx, p.Ref)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: m}
}

type negotiateParams struct {
	Consumer     string                 `json:"consumer"`
	Provider     string                 `json:"provider"`
	Requirements discovery.Requirements `json:"requirements"`
}

func (d *Dispatcher) handleNegotiate(ctx context.Context, req *Request) *Response {
	p, bad := decode[negotiateParams](req)
	if bad != nil {
		return bad
	}
	contract, err := d.svc.NegotiateCapability(ctx, p.Consumer, p.Provider, p.Requirements)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: contract}
}

type contractParams struct {
	ContractID string `json:"contractId"`
}

func (d *Dispatcher) handleValidateContract(ctx context.Context, req *Request) *Response {
	p, bad := decode[contractParams](req)
	if bad != nil {
		return bad
	}
	if err := d.svc.Discovery().ValidateContract(ctx, p.ContractID); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]bool{"valid": true}}
}

func (d *Dispatcher) handleListContracts(req *Request) *Response {
	f, bad := decode[discovery.ContractFilter](req)
	if bad != nil {
		return bad
	}
	contracts := d.svc.Discovery().ListContracts(f)
	if contracts == nil {
		contracts = []discovery.Contract{}
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"contracts": contracts}}
}

func (d *Dispatcher) handleRevokeContract(req *Request) *Response {
	p, bad := decode[contractParams](req)
	if bad != nil {
		return bad
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]bool{"revoked": d.svc.Discovery().RevokeContract(p.ContractID)}}
}

type deadLettersParams struct {
	Limit int `json:"limit"`
}

func (d *Dispatcher) handleDeadLetters(ctx context.Context, req *Request) *Response {
	p, bad := decode[deadLettersParams](req)
	if bad != nil {
		return bad
	}
	list, err := d.svc.Bus().DeadLetters(ctx, p.Limit)
	if err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]interface{}{"deadLetters": list}}
}

type redriveParams struct {
	Key string `json:"key"`
}

func (d *Dispatcher) handleRedrive(ctx context.Context, req *Request) *Response {
	p, bad := decode[redriveParams](req)
	if bad != nil {
		return bad
	}
	if err := d.svc.Bus().Redrive(ctx, p.Key); err != nil {
		return errorToResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Ok: true, Result: map[string]string{"redriven": p.Key}}
}

// --- helpers ---

func errorResponse(id, code, message string, retryable bool) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      code,
			Message:   message,
			Retryable: retryable,
		},
	}
}

func errorToResponse(id string, err error) *Response {
	var ce *commserr.Error
	if errors.As(err, &ce) {
		return &Response{
			ID: id,
			Ok: false,
			Error: &ErrorDetail{
				Code:      ce.Code,
				Message:   ce.Message,
				Details:   ce.Details,
				Retryable: commserr.Retryable(err),
			},
		}
	}
	return errorResponse(id, commserr.CodeInternal, err.Error(), true)
}
