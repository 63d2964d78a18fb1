package api_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/verdant-tech/gardenauth/garden/api"
	"github.com/verdant-tech/gardenauth/garden/keys"
	"github.com/verdant-tech/gardenauth/garden/notification"
	"github.com/verdant-tech/gardenauth/garden/registry"
	"github.com/verdant-tech/gardenauth/garden/tokens"
	"github.com/verdant-tech/gardenauth/store"
)

const (
	signingSecret = "orchard-secret"
	adminPassword = "gardener"
)

type eventRecorder struct {
	events []notification.Event
}

func (e *eventRecorder) Notify(ctx context.Context, event notification.Event) error {
	e.events = append(e.events, event)
	return nil
}

func (e *eventRecorder) last() notification.Event {
	if len(e.events) == 0 {
		return notification.Event{}
	}
	return e.events[len(e.events)-1]
}

type testEnv struct {
	router   *mux.Router
	registry *registry.Registry
	issuer   *tokens.Issuer
	events   *eventRecorder
}

func newTestEnv() *testEnv {
	router := mux.NewRouter()
	deviceRegistry := registry.New(store.NewMemory())
	issuer := tokens.NewIssuer(&tokens.Builder{SigningSecret: signingSecret})
	events := &eventRecorder{}
	api.NewAPI(&api.Builder{
		Router:        router,
		Registry:      deviceRegistry,
		Issuer:        issuer,
		SigningSecret: signingSecret,
		AdminPassword: adminPassword,
		Notifier:      events,
	})
	return &testEnv{router: router, registry: deviceRegistry, issuer: issuer, events: events}
}

func (e *testEnv) get(t *testing.T, path string, query url.Values) (int, string) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path+"?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w.Code, strings.TrimSpace(w.Body.String())
}

// accountToken issues a token the way the account service would, with the
// given claimed-garden set baked in.
func (e *testEnv) accountToken(t *testing.T, accountID string, claimedGardens []string) string {
	t.Helper()
	token, err := e.issuer.IssueAccountToken(accountID, claimedGardens, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// createDevice makes serial known to the registry with a fresh sync.
func (e *testEnv) createDevice(t *testing.T, serial string) {
	t.Helper()
	if err := e.registry.TouchSync(serial, time.Now()); err != nil {
		t.Fatal(err)
	}
}

func TestRequestNewToken(t *testing.T) {
	env := newTestEnv()
	key := keys.DeriveKey("tomato42", signingSecret)

	status, body := env.get(t, "/requestNewToken", url.Values{"serial": {"tomato42"}})
	if status != http.StatusBadRequest || body != "missing_parameter" {
		t.Fatalf("Expecting %v missing_parameter got %v '%v'", http.StatusBadRequest, status, body)
	}

	status, body = env.get(t, "/requestNewToken", url.Values{"serial": {"Tomato42"}, "key": {key}})
	if status != http.StatusBadRequest || body != "invalid_serial" {
		t.Fatalf("Expecting %v invalid_serial got %v '%v'", http.StatusBadRequest, status, body)
	}

	status, body = env.get(t, "/requestNewToken", url.Values{"serial": {"tomato42"}, "key": {"wrong"}})
	if status != http.StatusUnauthorized || body != "wrong_key" {
		t.Fatalf("Expecting %v wrong_key got %v '%v'", http.StatusUnauthorized, status, body)
	}

	// first request issues a fresh token and creates the device record
	status, body = env.get(t, "/requestNewToken", url.Values{"serial": {"tomato42"}, "key": {key}})
	if status != http.StatusOK {
		t.Fatalf("Expecting %v got %v '%v'", http.StatusOK, status, body)
	}
	token, secondsLeft, state := parseTokenResponse(t, body)
	if state != "new" {
		t.Fatalf("Expecting 'new' got '%v'", state)
	}
	if secondsLeft != 3600 {
		t.Fatalf("Expecting 3600 seconds got %v", secondsLeft)
	}
	claims, err := env.issuer.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "garden_tomato42" || !claims.IoTDevice {
		t.Fatalf("bad device token claims: %+v", claims)
	}
	device, err := env.registry.Device("tomato42")
	if err != nil {
		t.Fatal(err)
	}
	if device == nil || device.LastToken != token {
		t.Fatal("issued token not persisted")
	}
	if env.events.last().Type != notification.EventTokenIssued {
		t.Fatal("token issuance not published")
	}

	// a prompt second request serves the cached token
	status, body = env.get(t, "/requestNewToken", url.Values{"serial": {"tomato42"}, "key": {key}})
	if status != http.StatusOK {
		t.Fatalf("Expecting %v got %v '%v'", http.StatusOK, status, body)
	}
	cached, secondsLeft, state := parseTokenResponse(t, body)
	if state != "cached" || cached != token {
		t.Fatalf("Expecting the cached token got '%v' %v", state, cached)
	}
	if secondsLeft > 3600 || secondsLeft < 3590 {
		t.Fatalf("remaining lifetime is off: %v", secondsLeft)
	}

	// past the refresh threshold a new token is issued
	if err := env.registry.SaveToken("tomato42", token, time.Now().Add(-50*time.Minute)); err != nil {
		t.Fatal(err)
	}
	status, body = env.get(t, "/requestNewToken", url.Values{"serial": {"tomato42"}, "key": {key}})
	if status != http.StatusOK {
		t.Fatalf("Expecting %v got %v '%v'", http.StatusOK, status, body)
	}
	_, secondsLeft, state = parseTokenResponse(t, body)
	if state != "new" || secondsLeft != 3600 {
		t.Fatalf("Expecting a fresh token got '%v' with %v seconds", state, secondsLeft)
	}
	device, err = env.registry.Device("tomato42")
	if err != nil {
		t.Fatal(err)
	}
	if time.Now().Unix()-device.LastTokenTime > 2 {
		t.Fatal("token issue time not refreshed")
	}
}

func parseTokenResponse(t *testing.T, body string) (token string, secondsLeft int, state string) {
	t.Helper()
	parts := strings.Split(body, ":")
	if len(parts) != 3 {
		t.Fatalf("bad token response '%v'", body)
	}
	secondsLeft, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("bad token response '%v'", body)
	}
	return parts[0], secondsLeft, parts[2]
}

func TestSignSerialNumber(t *testing.T) {
	env := newTestEnv()

	status, body := env.get(t, "/signSerialNumber", url.Values{"serial": {"tomato42"}})
	if status != http.StatusBadRequest || body != "missing_parameter" {
		t.Fatalf("Expecting %v missing_parameter got %v '%v'", http.StatusBadRequest, status, body)
	}

	status, body = env.get(t, "/signSerialNumber", url.Values{"serial": {"tomato42"}, "password": {"intruder"}})
	if status != http.StatusUnauthorized || body != "wrong_password" {
		t.Fatalf("Expecting %v wrong_password got %v '%v'", http.StatusUnauthorized, status, body)
	}

	status, body = env.get(t, "/signSerialNumber", url.Values{"serial": {"tomato42"}, "password": {adminPassword}})
	if status != http.StatusOK {
		t.Fatalf("Expecting %v got %v '%v'", http.StatusOK, status, body)
	}
	if body != keys.DeriveKey("tomato42", signingSecret) {
		t.Fatalf("Expecting the derived key got '%v'", body)
	}
}

func TestAddGarden(t *testing.T) {
	env := newTestEnv()
	env.createDevice(t, "tomato42")

	status, body := env.get(t, "/addGarden", url.Values{"serial": {"tomato42"}, "nickname": {"balcony"}})
	if status != http.StatusBadRequest || body != "missing_parameter" {
		t.Fatalf("Expecting %v missing_parameter got %v '%v'", http.StatusBadRequest, status, body)
	}

	status, body = env.get(t, "/addGarden", url.Values{"token": {"not.a.token"}, "serial": {"tomato42"}, "nickname": {"balcony"}})
	if status != http.StatusBadRequest || body != "invalid_token" {
		t.Fatalf("Expecting %v invalid_token got %v '%v'", http.StatusBadRequest, status, body)
	}

	token := env.accountToken(t, "alice", nil)
	status, body = env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {"basil7"}, "nickname": {"balcony"}})
	if status != http.StatusNotFound || body != "invalid_serial" {
		t.Fatalf("Expecting %v invalid_serial got %v '%v'", http.StatusNotFound, status, body)
	}

	status, body = env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {"tomato42"}, "nickname": {"balcony"}})
	if status != http.StatusOK || body != "success" {
		t.Fatalf("Expecting %v success got %v '%v'", http.StatusOK, status, body)
	}
	device, _ := env.registry.Device("tomato42")
	if device.ClaimedBy != "alice" || device.Nickname != "balcony" {
		t.Fatalf("claim not recorded, got %+v", device)
	}
	gardens, _ := env.registry.ClaimedGardens("alice")
	if len(gardens) != 1 || gardens[0] != "tomato42" {
		t.Fatalf("Expecting [tomato42] got %v", gardens)
	}
	if env.events.last().Type != notification.EventGardenClaimed || env.events.last().AccountID != "alice" {
		t.Fatal("claim not published")
	}

	// re-claiming with a token that already lists the serial must not
	// duplicate the entry
	stale := env.accountToken(t, "alice", []string{"tomato42"})
	status, body = env.get(t, "/addGarden", url.Values{"token": {stale}, "serial": {"tomato42"}, "nickname": {"rooftop"}})
	if status != http.StatusOK || body != "success" {
		t.Fatalf("Expecting %v success got %v '%v'", http.StatusOK, status, body)
	}
	gardens, _ = env.registry.ClaimedGardens("alice")
	if len(gardens) != 1 || gardens[0] != "tomato42" {
		t.Fatalf("Expecting [tomato42] got %v", gardens)
	}

	// another account cannot claim an owned device
	bobToken := env.accountToken(t, "bob", nil)
	status, body = env.get(t, "/addGarden", url.Values{"token": {bobToken}, "serial": {"tomato42"}, "nickname": {"mine"}})
	if status != http.StatusForbidden || body != "garden_already_claimed" {
		t.Fatalf("Expecting %v garden_already_claimed got %v '%v'", http.StatusForbidden, status, body)
	}
}

func TestAddGardenNicknameConflict(t *testing.T) {
	env := newTestEnv()
	env.createDevice(t, "tomato42")
	env.createDevice(t, "basil7")

	token := env.accountToken(t, "alice", nil)
	status, body := env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {"tomato42"}, "nickname": {"balcony"}})
	if status != http.StatusOK || body != "success" {
		t.Fatalf("Expecting %v success got %v '%v'", http.StatusOK, status, body)
	}

	// same nickname for a second garden of the same account is rejected
	token = env.accountToken(t, "alice", []string{"tomato42"})
	status, body = env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {"basil7"}, "nickname": {"balcony"}})
	if status != http.StatusForbidden || body != "garden_nickname_conflict" {
		t.Fatalf("Expecting %v garden_nickname_conflict got %v '%v'", http.StatusForbidden, status, body)
	}

	// a different nickname is fine
	status, body = env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {"basil7"}, "nickname": {"rooftop"}})
	if status != http.StatusOK || body != "success" {
		t.Fatalf("Expecting %v success got %v '%v'", http.StatusOK, status, body)
	}
}

func TestAddGardenLimit(t *testing.T) {
	env := newTestEnv()

	claimed := make([]string, api.MaxClaimedGardens)
	for i := range claimed {
		serial := fmt.Sprintf("garden%d", i)
		claimed[i] = serial
		env.createDevice(t, serial)
		token := env.accountToken(t, "alice", claimed[:i])
		status, body := env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {serial}, "nickname": {"plot " + serial}})
		if status != http.StatusOK || body != "success" {
			t.Fatalf("claim %d: Expecting %v success got %v '%v'", i, http.StatusOK, status, body)
		}
	}

	env.createDevice(t, "onemore")
	token := env.accountToken(t, "alice", claimed)
	status, body := env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {"onemore"}, "nickname": {"too much"}})
	if status != http.StatusForbidden || body != "too_many_gardens" {
		t.Fatalf("Expecting %v too_many_gardens got %v '%v'", http.StatusForbidden, status, body)
	}
}

func TestRemoveGarden(t *testing.T) {
	env := newTestEnv()
	env.createDevice(t, "tomato42")

	token := env.accountToken(t, "alice", nil)
	status, body := env.get(t, "/addGarden", url.Values{"token": {token}, "serial": {"tomato42"}, "nickname": {"balcony"}})
	if status != http.StatusOK || body != "success" {
		t.Fatalf("Expecting %v success got %v '%v'", http.StatusOK, status, body)
	}

	status, body = env.get(t, "/removeGarden", url.Values{"serial": {"tomato42"}})
	if status != http.StatusBadRequest || body != "missing_parameter" {
		t.Fatalf("Expecting %v missing_parameter got %v '%v'", http.StatusBadRequest, status, body)
	}

	status, body = env.get(t, "/removeGarden", url.Values{"token": {"not.a.token"}, "serial": {"tomato42"}})
	if status != http.StatusBadRequest || body != "invalid_token" {
		t.Fatalf("Expecting %v invalid_token got %v '%v'", http.StatusBadRequest, status, body)
	}

	status, body = env.get(t, "/removeGarden", url.Values{"token": {token}, "serial": {"basil7"}})
	if status != http.StatusNotFound || body != "invalid_serial" {
		t.Fatalf("Expecting %v invalid_serial got %v '%v'", http.StatusNotFound, status, body)
	}

	// a non-owner cannot release, but their own claimed set is still
	// cleaned of the stale entry
	bobToken := env.accountToken(t, "bob", []string{"tomato42", "basil7"})
	if err := env.registry.SetClaimedGardens("bob", []string{"tomato42", "basil7"}); err != nil {
		t.Fatal(err)
	}
	status, body = env.get(t, "/removeGarden", url.Values{"token": {bobToken}, "serial": {"tomato42"}})
	if status != http.StatusForbidden || body != "garden_not_claimed" {
		t.Fatalf("Expecting %v garden_not_claimed got %v '%v'", http.StatusForbidden, status, body)
	}
	gardens, _ := env.registry.ClaimedGardens("bob")
	if len(gardens) != 1 || gardens[0] != "basil7" {
		t.Fatalf("Expecting [basil7] got %v", gardens)
	}
	device, _ := env.registry.Device("tomato42")
	if device.ClaimedBy != "alice" {
		t.Fatal("non-owner release must not clear the claim")
	}

	// the owner releases
	aliceToken := env.accountToken(t, "alice", []string{"tomato42"})
	status, body = env.get(t, "/removeGarden", url.Values{"token": {aliceToken}, "serial": {"tomato42"}})
	if status != http.StatusOK || body != "success" {
		t.Fatalf("Expecting %v success got %v '%v'", http.StatusOK, status, body)
	}
	device, _ = env.registry.Device("tomato42")
	if device.ClaimedBy != "" || device.Nickname != "" {
		t.Fatalf("release must clear the claim, got %+v", device)
	}
	gardens, _ = env.registry.ClaimedGardens("alice")
	if len(gardens) != 0 {
		t.Fatalf("Expecting empty set got %v", gardens)
	}
	if env.events.last().Type != notification.EventGardenReleased {
		t.Fatal("release not published")
	}

	// the device can be claimed again afterwards
	status, body = env.get(t, "/addGarden", url.Values{"token": {bobToken}, "serial": {"tomato42"}, "nickname": {"mine now"}})
	if status != http.StatusOK || body != "success" {
		t.Fatalf("Expecting %v success got %v '%v'", http.StatusOK, status, body)
	}
}
