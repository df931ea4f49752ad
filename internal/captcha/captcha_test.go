package captcha

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	v := StaticToken{Token: "s3cret"}
	assert.NoError(t, v.Verify(context.Background(), "s3cret", ""))
	assert.ErrorIs(t, v.Verify(context.Background(), "wrong", ""), ErrFailed)
	assert.ErrorIs(t, v.Verify(context.Background(), "", ""), ErrFailed)
}

func TestDisabled(t *testing.T) {
	assert.NoError(t, Disabled{}.Verify(context.Background(), "", ""))
}

func TestReCaptcha(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "key", r.PostForm.Get("secret"))
		assert.Equal(t, "10.0.0.1", r.PostForm.Get("remoteip"))
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("response") == "good" {
			_, _ = w.Write([]byte(`{"success":true}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":false,"error-codes":["invalid-input-response"]}`))
	}))
	defer srv.Close()

	v := NewReCaptcha("key", srv.URL, srv.Client())
	assert.NoError(t, v.Verify(context.Background(), "good", "10.0.0.1"))

	err := v.Verify(context.Background(), "bad", "10.0.0.1")
	assert.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "invalid-input-response")
}

func TestReCaptchaServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewReCaptcha("key", srv.URL, srv.Client()).Verify(context.Background(), "x", "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrFailed))
}

func TestNew(t *testing.T) {
	v, err := New("", "")
	require.NoError(t, err)
	assert.IsType(t, Disabled{}, v)

	v, err = New("static", "tok")
	require.NoError(t, err)
	assert.Equal(t, StaticToken{Token: "tok"}, v)

	_, err = New("static", "")
	assert.Error(t, err)

	v, err = New("recaptcha", "key")
	require.NoError(t, err)
	assert.IsType(t, &ReCaptcha{}, v)

	_, err = New("bogus", "x")
	assert.Error(t, err)
}
