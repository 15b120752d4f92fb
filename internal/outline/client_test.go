package outline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAccessKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/access-keys", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"id": "7", "accessUrl": "ss://abc@host:1234/?outline=1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, false, time.Second)
	key, err := c.CreateAccessKey()
	require.NoError(t, err)
	assert.Equal(t, "7", key.ID)
	assert.Equal(t, "ss://abc@host:1234/?outline=1", key.AccessURL)
}

func TestSuspendSetsMinimalLimit(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Limit struct {
			Bytes int64 `json:"bytes"`
		} `json:"limit"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, false, time.Second)
	require.NoError(t, c.Suspend("7"))
	assert.Equal(t, "/access-keys/7/data-limit", gotPath)
	// suspend — это минимальный ненулевой лимит, не нулевой
	assert.EqualValues(t, SuspendLimitBytes, gotBody.Limit.Bytes)
	assert.Greater(t, gotBody.Limit.Bytes, int64(0))
}

func TestGetAllUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/metrics/transfer", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"bytesTransferredByUserId": map[string]int64{"1": 100, "2": 2048},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, false, time.Second)
	usage, err := c.GetAllUsage()
	require.NoError(t, err)
	assert.EqualValues(t, 100, usage["1"])
	assert.EqualValues(t, 2048, usage["2"])

	one, err := c.GetUsage("2")
	require.NoError(t, err)
	assert.EqualValues(t, 2048, one)
}

func TestErrorClassification(t *testing.T) {
	t.Run("rejected on http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no capacity", http.StatusInternalServerError)
		}))
		defer srv.Close()
		c := NewClient(srv.URL, false, time.Second)
		_, err := c.CreateAccessKey()
		assert.ErrorIs(t, err, ErrRejected)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()
		c := NewClient(srv.URL, false, 20*time.Millisecond)
		_, err := c.GetServerInfo()
		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("unavailable", func(t *testing.T) {
		// порт закрыт сразу
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		c := NewClient(srv.URL, false, time.Second)
		err := c.DeleteAccessKey("1")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

func TestGetServerInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/server", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{"name": "outline", "serverId": "srv-1", "version": "1.12.1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, false, time.Second)
	info, err := c.GetServerInfo()
	require.NoError(t, err)
	assert.Equal(t, "srv-1", info.ServerID)
}
