package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestRouteMatching(t *testing.T) {
	table, err := compileRoutes([]RouteRule{
		{ID: "patients", PathPrefix: "/api/patients/**", ServiceName: "patient-service"},
		{ID: "patient-docs", PathPrefix: "/api/patients/documents", ServiceName: "document-service"},
		{ID: "api", PathPrefix: "/api", ServiceName: "api-service"},
		{ID: "root", PathPrefix: "/", ServiceName: "web"},
	})
	require.NoError(t, err)

	tests := []struct {
		path string
		want string
	}{
		{"/api/patients", "patients"},
		{"/api/patients/", "patients"},
		{"/api/patients/42", "patients"},
		{"/api/patients/documents/7", "patient-docs"},
		{"/api/patients/documentsx", "patients"},
		{"/api/patientsx", "api"},
		{"/api", "api"},
		{"/apix", "root"},
		{"/", "root"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, ok := table.match(tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.want, r.ID)
		})
	}

	narrow, err := compileRoutes([]RouteRule{{PathPrefix: "/api/billing", ServiceName: "billing-service"}})
	require.NoError(t, err)
	_, ok := narrow.match("/api/patients")
	assert.False(t, ok)
	r, ok := narrow.match("/api/billing/invoices")
	require.True(t, ok)
	assert.Equal(t, "/api/billing", r.ID)
}

func TestTargetPath(t *testing.T) {
	tests := []struct {
		name string
		rule RouteRule
		in   string
		want string
	}{
		{"passthrough", RouteRule{}, "/api/patients/1", "/api/patients/1"},
		{"strip one", RouteRule{StripPrefix: 1}, "/api/patients/1", "/patients/1"},
		{"strip all", RouteRule{StripPrefix: 5}, "/api/patients", "/"},
		{"rewrite", RouteRule{Rewrite: &Rewrite{From: "/api/exams", To: "/medical-exams"}}, "/api/exams/9", "/medical-exams/9"},
		{"rewrite boundary", RouteRule{Rewrite: &Rewrite{From: "/api/exams", To: "/x"}}, "/api/examsx", "/api/examsx"},
		{"strip then rewrite", RouteRule{StripPrefix: 1, Rewrite: &Rewrite{From: "/auth", To: "/v2/auth"}}, "/api/auth/login", "/v2/auth/login"},
		{"rewrite to root", RouteRule{Rewrite: &Rewrite{From: "/svc", To: ""}}, "/svc/a", "/a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &route{RouteRule: tt.rule}
			assert.Equal(t, tt.want, r.targetPath(tt.in))
		})
	}
}

func TestCompileRoutesValidation(t *testing.T) {
	tests := []struct {
		name  string
		rules []RouteRule
	}{
		{"relative prefix", []RouteRule{{PathPrefix: "api", ServiceName: "s"}}},
		{"no service", []RouteRule{{PathPrefix: "/api"}}},
		{"negative strip", []RouteRule{{PathPrefix: "/api", ServiceName: "s", StripPrefix: -1}}},
		{"negative retries", []RouteRule{{PathPrefix: "/api", ServiceName: "s", Retries: intPtr(-1)}}},
		{"bad rewrite", []RouteRule{{PathPrefix: "/api", ServiceName: "s", Rewrite: &Rewrite{From: "x"}}}},
		{"duplicate id", []RouteRule{
			{ID: "a", PathPrefix: "/a", ServiceName: "s"},
			{ID: "a", PathPrefix: "/b", ServiceName: "s"},
		}},
		{"duplicate implicit id", []RouteRule{
			{PathPrefix: "/a/**", ServiceName: "s"},
			{PathPrefix: "/a", ServiceName: "t"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileRoutes(tt.rules)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
