package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestLoginAndRotatingRefresh(t *testing.T) {
	srv := New()
	t.Cleanup(srv.Close)

	status, out := post(t, srv.URL+"/auth/login", `{"username":"ada","password":"secret"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, out["success"])
	data := out["data"].(map[string]any)
	first := data["refreshToken"].(string)
	require.NotEmpty(t, data["token"])

	status, out = post(t, srv.URL+"/auth/refresh", `{"refreshToken":"`+first+`"}`)
	require.Equal(t, http.StatusOK, status)
	second := out["data"].(map[string]any)["refreshToken"].(string)
	assert.NotEqual(t, first, second)

	status, _ = post(t, srv.URL+"/auth/refresh", `{"refreshToken":"`+first+`"}`)
	assert.Equal(t, http.StatusUnauthorized, status, "a rotated renewal token is spent")
	assert.Equal(t, 1, srv.Logins())
	assert.Equal(t, 2, srv.Refreshes())
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	srv := New()
	t.Cleanup(srv.Close)

	status, out := post(t, srv.URL+"/auth/login", `{"username":"ada","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, out["success"])
}

func TestUnaryAuthInterceptor(t *testing.T) {
	srv := New()
	t.Cleanup(srv.Close)
	ic := srv.UnaryAuthInterceptor("/svc/Open")

	handler := func(ctx context.Context, _ any) (any, error) {
		id, _ := SubjectID(ctx)
		return id, nil
	}
	call := func(method, header string) (any, error) {
		ctx := context.Background()
		if header != "" {
			ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(common.AccessTokenHeaderName, header))
		}
		return ic(ctx, nil, &grpc.UnaryServerInfo{FullMethod: method}, handler)
	}

	got, err := call("/svc/Open", "")
	require.NoError(t, err)
	assert.Equal(t, "", got)

	_, err = call("/svc/Closed", "")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call("/svc/Closed", common.BearerValue(srv.Issue("ada", -time.Minute)))
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	got, err = call("/svc/Closed", common.BearerValue(srv.Issue("ada", time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, "u-ada", got)
}
