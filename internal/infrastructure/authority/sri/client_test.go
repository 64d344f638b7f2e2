package sri

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emisor/internal/core/apperror"
	"emisor/internal/core/authority"
)

func testClient(receptionURL, authorizationURL string) *Client {
	c := NewClient(Config{
		ReceptionURL:     receptionURL,
		AuthorizationURL: authorizationURL,
		RequestTimeout:   2 * time.Second,
		TransportRetries: 1,
	})
	c.http.RetryWaitMin = time.Millisecond
	c.http.RetryWaitMax = 5 * time.Millisecond
	return c
}

func xmlServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmitReceived(t *testing.T) {
	srv := xmlServer(t, http.StatusOK,
		`<receptionResponse><status>RECEIVED</status></receptionResponse>`)
	c := testClient(srv.URL, srv.URL)

	receipt, err := c.Submit(context.Background(), []byte("<signedDocument/>"))
	require.NoError(t, err)
	assert.False(t, receipt.ReceivedAt.IsZero())
}

func TestSubmitReturnedIsPermanent(t *testing.T) {
	srv := xmlServer(t, http.StatusOK, `<receptionResponse>
		<status>RETURNED</status>
		<messages><message>ERROR 35: firma invalida</message></messages>
	</receptionResponse>`)
	c := testClient(srv.URL, srv.URL)

	_, err := c.Submit(context.Background(), []byte("<signedDocument/>"))
	assert.True(t, apperror.IsCode(err, apperror.CodePermanentProtocol))
	assert.False(t, apperror.IsRetryable(err))
}

func TestSubmitServerErrorIsTransient(t *testing.T) {
	srv := xmlServer(t, http.StatusServiceUnavailable, "")
	c := testClient(srv.URL, srv.URL)

	_, err := c.Submit(context.Background(), []byte("<signedDocument/>"))
	assert.True(t, apperror.IsCode(err, apperror.CodeTransientProtocol))
	assert.True(t, apperror.IsRetryable(err))
}

func TestSubmitClientErrorIsPermanent(t *testing.T) {
	srv := xmlServer(t, http.StatusUnprocessableEntity, "")
	c := testClient(srv.URL, srv.URL)

	_, err := c.Submit(context.Background(), []byte("<signedDocument/>"))
	assert.True(t, apperror.IsCode(err, apperror.CodePermanentProtocol))
}

func TestSubmitUnreachableIsTransient(t *testing.T) {
	c := testClient("http://127.0.0.1:1", "http://127.0.0.1:1")

	_, err := c.Submit(context.Background(), []byte("<signedDocument/>"))
	assert.True(t, apperror.IsCode(err, apperror.CodeTransientProtocol))
}

func TestSubmitGarbageResponseIsTransient(t *testing.T) {
	srv := xmlServer(t, http.StatusOK, "this is not xml at all <<<")
	c := testClient(srv.URL, srv.URL)

	_, err := c.Submit(context.Background(), []byte("<signedDocument/>"))
	assert.True(t, apperror.IsCode(err, apperror.CodeTransientProtocol))
}

func TestPollPending(t *testing.T) {
	srv := xmlServer(t, http.StatusOK,
		`<authorizationResponse><status>PENDING</status></authorizationResponse>`)
	c := testClient(srv.URL, srv.URL)

	out, err := c.Poll(context.Background(), "1503202601"+"1790012345001"+"1001002000000042123456781"+"1")
	require.NoError(t, err)
	assert.Equal(t, authority.StatePending, out.State)
}

func TestPollAuthorized(t *testing.T) {
	srv := xmlServer(t, http.StatusOK, `<authorizationResponse>
		<status>AUTHORIZED</status>
		<authorizationNumber>AUTH-2026-000042</authorizationNumber>
		<timestamp>2026-03-15T12:30:00Z</timestamp>
	</authorizationResponse>`)
	c := testClient(srv.URL, srv.URL)

	out, err := c.Poll(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, authority.StateAuthorized, out.State)
	assert.Equal(t, "AUTH-2026-000042", out.AuthorizationNumber)
	assert.Equal(t, time.Date(2026, time.March, 15, 12, 30, 0, 0, time.UTC), out.AuthorizedAt)
}

func TestPollRejected(t *testing.T) {
	srv := xmlServer(t, http.StatusOK, `<authorizationResponse>
		<status>REJECTED</status>
		<reasons>
			<reason>ERROR 45: secuencial registrado</reason>
			<reason>ERROR 64: fecha fuera de rango</reason>
		</reasons>
	</authorizationResponse>`)
	c := testClient(srv.URL, srv.URL)

	out, err := c.Poll(context.Background(), "key")
	require.NoError(t, err)
	assert.Equal(t, authority.StateRejected, out.State)
	assert.Equal(t, []string{
		"ERROR 45: secuencial registrado",
		"ERROR 64: fecha fuera de rango",
	}, out.Reasons)
}

func TestPollUnknownStatusIsTransient(t *testing.T) {
	srv := xmlServer(t, http.StatusOK,
		`<authorizationResponse><status>PROCESSING</status></authorizationResponse>`)
	c := testClient(srv.URL, srv.URL)

	_, err := c.Poll(context.Background(), "key")
	assert.True(t, apperror.IsCode(err, apperror.CodeTransientProtocol))
}

func TestPollSendsAccessKey(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got.Store(string(body))
		_, _ = w.Write([]byte(`<authorizationResponse><status>PENDING</status></authorizationResponse>`))
	}))
	t.Cleanup(srv.Close)
	c := testClient(srv.URL, srv.URL)

	_, err := c.Poll(context.Background(), "4242424242")
	require.NoError(t, err)
	assert.Contains(t, got.Load().(string), "<accessKey>4242424242</accessKey>")
}
