package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-checkout/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{BaseURL: srv.URL + "/api/v1/"})
}

func TestCreatePaymentRoutesByFrequency(t *testing.T) {
	var paths []string
	var body map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"provider_client_secret_id":"pi_1_secret_2","email_hash":"abc"}`))
	})

	req := &models.CreatePaymentRequest{
		Amount:              "10.53",
		Interval:            models.FrequencyOneTime,
		AgreedToPayFees:     true,
		CaptchaToken:        "tok",
		DonorSelectedAmount: 10,
		Page:                7,
		DonorInfo:           models.DonorInfo{FirstName: "Ada", Email: "ada@example.org", MailingCountry: "US"},
	}
	resp, err := client.CreatePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "pi_1_secret_2", resp.ClientSecret)
	assert.Equal(t, "abc", resp.EmailHash)
	assert.Equal(t, "10.53", body["amount"])
	assert.Equal(t, "one_time", body["interval"])
	assert.Equal(t, true, body["agreed_to_pay_fees"])
	assert.Equal(t, "US", body["mailing_country"])
	assert.Equal(t, float64(7), body["page"])

	req.Interval = models.FrequencyMonth
	_, err = client.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /api/v1/payment-sessions/",
		"POST /api/v1/subscriptions/",
	}, paths)
}

func TestCreatePaymentErrors(t *testing.T) {
	t.Run("validation", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"email":["Enter a valid email."],"amount":"Too small"}`))
		})
		_, err := client.CreatePayment(context.Background(), &models.CreatePaymentRequest{Interval: models.FrequencyOneTime})
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		assert.False(t, IsForbidden(err))

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, []string{"Enter a valid email."}, apiErr.FieldErrors["email"])
		assert.Equal(t, []string{"Too small"}, apiErr.FieldErrors["amount"])
	})

	t.Run("forbidden", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		_, err := client.CreatePayment(context.Background(), &models.CreatePaymentRequest{Interval: models.FrequencyOneTime})
		assert.True(t, IsForbidden(err))
	})

	t.Run("server error", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := client.CreatePayment(context.Background(), &models.CreatePaymentRequest{Interval: models.FrequencyOneTime})
		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	})

	t.Run("missing client secret", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{}`))
		})
		_, err := client.CreatePayment(context.Background(), &models.CreatePaymentRequest{Interval: models.FrequencyOneTime})
		require.Error(t, err)
	})
}

func TestSessionLifecycleCalls(t *testing.T) {
	var calls []string
	var patched map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPatch {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patched))
		}
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, client.DeletePayment(ctx, models.FrequencyOneTime, "pay-1"))
	require.NoError(t, client.DeletePayment(ctx, models.FrequencyYear, "sub-1"))
	require.NoError(t, client.FinishPayment(ctx, models.FrequencyMonth, "sub-2"))
	require.NoError(t, client.UpdateSubscriptionPaymentMethod(ctx, "sub-3", "pm_9"))

	assert.Equal(t, []string{
		"DELETE /api/v1/payment-sessions/pay-1/",
		"DELETE /api/v1/subscriptions/sub-1/",
		"POST /api/v1/subscriptions/sub-2/success/",
		"PATCH /api/v1/subscriptions/sub-3/",
	}, calls)
	assert.Equal(t, "pm_9", patched["payment_method_id"])
}

func TestGetPage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/pages/spring-drive/", r.URL.Path)
		w.Write([]byte(`{"id":3,"slug":"spring-drive","is_nonprofit":true,"elements":[{"type":"DFrequency","content":[{"value":"month","isDefault":true}]}]}`))
	})
	page, err := client.GetPage(context.Background(), "spring-drive")
	require.NoError(t, err)
	assert.Equal(t, 3, page.ID)
	assert.True(t, page.IsNonprofit)
	_, ok := page.Element(models.ElementFrequency)
	assert.True(t, ok)
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client := NewClient(Options{BaseURL: srv.URL})

	err := client.DeletePayment(context.Background(), models.FrequencyOneTime, "x")
	require.Error(t, err)
	assert.False(t, IsValidation(err))
	assert.False(t, IsForbidden(err))
}
