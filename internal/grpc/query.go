package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"schoolerp/attendance/internal/attendance"
)

const (
	queryServiceName     = "attendance.v1.AttendanceQueryService"
	monthlySummaryMethod = "/" + queryServiceName + "/MonthlySummary"
	lockStatusMethod     = "/" + queryServiceName + "/LockStatus"
)

// LockReader evaluates the lock for a session key.
type LockReader interface {
	SessionLockState(ctx context.Context, key attendance.SessionKey) (attendance.LockState, error)
}

// SummaryReader computes monthly summaries.
type SummaryReader interface {
	MonthlySummary(ctx context.Context, tenantID, classSectionID uuid.UUID, month attendance.YearMonth) ([]attendance.StudentSummary, error)
}

// AttendanceQueryHandler is the server side of AttendanceQueryService.
// Requests and responses are google.protobuf.Struct documents.
type AttendanceQueryHandler interface {
	MonthlySummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	LockStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var AttendanceQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*AttendanceQueryHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "MonthlySummary", Handler: monthlySummaryHandler},
		{MethodName: "LockStatus", Handler: lockStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attendance/v1/query.proto",
}

func RegisterAttendanceQueryServer(registrar grpc.ServiceRegistrar, srv AttendanceQueryHandler) {
	registrar.RegisterService(&AttendanceQueryServiceDesc, srv)
}

func monthlySummaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttendanceQueryHandler).MonthlySummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: monthlySummaryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttendanceQueryHandler).MonthlySummary(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func lockStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AttendanceQueryHandler).LockStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lockStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AttendanceQueryHandler).LockStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type AttendanceQueryServer struct {
	locks     LockReader
	summaries SummaryReader
}

var _ AttendanceQueryHandler = (*AttendanceQueryServer)(nil)

func NewAttendanceQueryServer(locks LockReader, summaries SummaryReader) *AttendanceQueryServer {
	return &AttendanceQueryServer{locks: locks, summaries: summaries}
}

func (s *AttendanceQueryServer) MonthlySummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID, err := requireUUID(req, "tenant_id")
	if err != nil {
		return nil, err
	}
	classSectionID, err := requireUUID(req, "class_section_id")
	if err != nil {
		return nil, err
	}
	month, err := attendance.ParseYearMonth(stringField(req, "month"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid month")
	}

	rows, err := s.summaries.MonthlySummary(ctx, tenantID, classSectionID, month)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	students := make([]interface{}, 0, len(rows))
	for _, row := range rows {
		students = append(students, mapSummary(row))
	}
	resp, err := structpb.NewStruct(map[string]interface{}{
		"class_section_id": classSectionID.String(),
		"month":            month.String(),
		"summaries":        students,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode summary")
	}
	return resp, nil
}

func (s *AttendanceQueryServer) LockStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID, err := requireUUID(req, "tenant_id")
	if err != nil {
		return nil, err
	}
	classSectionID, err := requireUUID(req, "class_section_id")
	if err != nil {
		return nil, err
	}
	date, err := attendance.ParseDate(stringField(req, "date"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid date")
	}

	state, err := s.locks.SessionLockState(ctx, attendance.SessionKey{
		TenantID:       tenantID,
		ClassSectionID: classSectionID,
		Date:           date,
	})
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	out := map[string]interface{}{
		"mutable":  state.Mutable,
		"reason":   string(state.Reason),
		"deadline": state.Deadline.UTC().Format(time.RFC3339),
		"unlocked": state.Unlocked,
	}
	if state.UnlockExpiresAt != nil {
		out["unlock_expires_at"] = state.UnlockExpiresAt.UTC().Format(time.RFC3339)
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode lock status")
	}
	return resp, nil
}

func mapSummary(row attendance.StudentSummary) map[string]interface{} {
	out := map[string]interface{}{
		"student_id":     row.StudentID.String(),
		"present":        row.Present,
		"absent":         row.Absent,
		"late":           row.Late,
		"excused":        row.Excused,
		"halfday":        row.HalfDay,
		"total_sessions": row.TotalSessions,
		"percentage":     nil,
	}
	if row.Percentage != nil {
		out["percentage"] = *row.Percentage
	}
	return out
}

func stringField(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	value, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}

func requireUUID(req *structpb.Struct, field string) (uuid.UUID, error) {
	raw := stringField(req, field)
	if raw == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, field+" required")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "invalid "+field)
	}
	return parsed, nil
}

func toStatus(ctx context.Context, err error) error {
	var (
		validation *attendance.ValidationError
		locked     *attendance.LockedPeriodError
		conflict   *attendance.ConflictError
		notFound   *attendance.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return status.Error(codes.InvalidArgument, validation.Error())
	case errors.As(err, &locked):
		return status.Error(codes.FailedPrecondition, string(locked.Reason))
	case errors.As(err, &conflict):
		return status.Error(codes.AlreadyExists, "conflict")
	case errors.As(err, &notFound):
		return status.Error(codes.NotFound, notFound.Resource+"_not_found")
	case errors.Is(err, attendance.ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request_canceled")
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("attendance query failed")
	return status.Error(codes.Internal, "server_error")
}

// AttendanceQueryClient calls AttendanceQueryService on a remote server.
type AttendanceQueryClient struct {
	cc grpc.ClientConnInterface
}

func NewAttendanceQueryClient(cc grpc.ClientConnInterface) *AttendanceQueryClient {
	return &AttendanceQueryClient{cc: cc}
}

func (c *AttendanceQueryClient) MonthlySummary(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, monthlySummaryMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AttendanceQueryClient) LockStatus(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, lockStatusMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
