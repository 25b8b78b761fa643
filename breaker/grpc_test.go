package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func TestUnaryClientInterceptor(t *testing.T) {
	brk := newTestBreaker(t, &Config{FailureThreshold: 2, Cooldown: time.Hour})
	intercept := UnaryClientInterceptor(brk)

	cc, err := grpc.NewClient("passthrough:///medicine-service", grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer cc.Close()

	calls := 0
	unavailable := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
		calls++
		return status.Error(codes.Unavailable, "connection refused")
	}
	notFound := func(context.Context, string, any, any, *grpc.ClientConn, ...grpc.CallOption) error {
		calls++
		return status.Error(codes.NotFound, "no such medicine")
	}
	ctx := context.Background()
	method := "/hms.medicine.v1.MedicineService/Get"

	// 业务错误不计入失败
	for i := 0; i < 3; i++ {
		err := intercept(ctx, method, nil, nil, cc, notFound)
		assert.Equal(t, codes.NotFound, status.Code(err))
	}
	assert.Equal(t, StateClosed, brk.State("medicine-service"))

	for i := 0; i < 2; i++ {
		_ = intercept(ctx, method, nil, nil, cc, unavailable)
	}
	assert.Equal(t, StateOpen, brk.State("medicine-service"))

	before := calls
	err = intercept(ctx, method, nil, nil, cc, unavailable)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Equal(t, before, calls, "open circuit must not invoke")
}

func TestInterceptorKeys(t *testing.T) {
	assert.Equal(t, "hms.patient.v1.PatientService", targetKey(nil, "/hms.patient.v1.PatientService/Get"))
	assert.Equal(t, "plain", serviceFromMethod("plain"))
}
