package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/petermazzocco/imagehost/internal/config"
	"github.com/petermazzocco/imagehost/internal/database"
	"github.com/petermazzocco/imagehost/internal/quota"
	"github.com/petermazzocco/imagehost/internal/storage"
	"github.com/petermazzocco/imagehost/internal/store"
	"github.com/petermazzocco/imagehost/models"
)

const testPassword = "correct-horse-42"

type testApp struct {
	t       *testing.T
	cfg     *config.Config
	db      *gorm.DB
	handler http.Handler
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: "0"},
		App: config.AppConfig{
			TimeZone:      "UTC",
			Location:      time.UTC,
			MaxUploadSize: 5 * 1024 * 1024,
			MediaRoot:     filepath.Join(dir, "media"),
			MediaURL:      "/media/",
		},
		Security: config.SecurityConfig{
			SecretKey:     "test-secret-key",
			AllowedHosts:  []string{"example.com"},
			AuthRateLimit: 1000,
		},
		Database: config.DatabaseConfig{URL: "sqlite://" + filepath.Join(dir, "test.db")},
		Quota:    config.QuotaConfig{MaxUploads: 10, Window: quota.CalendarDay()},
		Storage:  config.StorageConfig{Backend: "local"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *testApp {
	t.Helper()
	log := zap.NewNop()
	db, err := database.Open(cfg.Database.URL, log)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	files, err := NewStorage(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	h, err := NewRouter(cfg, log, db, files)
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	return &testApp{t: t, cfg: cfg, db: db, handler: h}
}

// client replays the cookies it is given, like a browser would.
type client struct {
	app     *testApp
	ip      string
	cookies map[string]*http.Cookie
}

func (a *testApp) client(ip string) *client {
	return &client{app: a, ip: ip, cookies: make(map[string]*http.Cookie)}
}

func (c *client) do(r *http.Request) *httptest.ResponseRecorder {
	for _, ck := range c.cookies {
		r.AddCookie(ck)
	}
	if c.ip != "" {
		r.Header.Set("X-Forwarded-For", c.ip)
	}
	w := httptest.NewRecorder()
	c.app.handler.ServeHTTP(w, r)
	for _, ck := range w.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck
	}
	return w
}

func (c *client) get(target string) *httptest.ResponseRecorder {
	return c.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (c *client) postForm(target string, form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(r)
}

func (c *client) upload(filename string, data []byte) *httptest.ResponseRecorder {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		c.app.t.Fatalf("multipart: %v", err)
	}
	part.Write(data)
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(r)
}

func (a *testApp) signedIn(username, ip string) (*client, *models.User) {
	a.t.Helper()
	user, err := store.NewUserStore(a.db).Register(context.Background(), username, testPassword)
	if err != nil {
		a.t.Fatalf("register %s: %v", username, err)
	}
	c := a.client(ip)
	w := c.postForm("/login", url.Values{"username": {username}, "password": {testPassword}})
	if w.Code != http.StatusFound {
		a.t.Fatalf("login %s: status %d", username, w.Code)
	}
	return c, user
}

func (a *testApp) imageCount() int64 {
	a.t.Helper()
	var n int64
	if err := a.db.Model(&models.Image{}).Count(&n).Error; err != nil {
		a.t.Fatalf("count images: %v", err)
	}
	return n
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func publicIDFrom(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "/image/") {
		t.Fatalf("Location = %q, want /image/<id>", loc)
	}
	return strings.TrimPrefix(loc, "/image/")
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	w := app.client("").get("/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["status"] != "OK" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestUnknownHostRejected(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Host = "attacker.test"
	w := app.client("").do(r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestProtectedPagesRedirectToLogin(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	c := app.client("")
	for _, target := range []string{"/", "/images", "/image/0b1c2d3e-4f50-4a6b-8c7d-9e0f1a2b3c4d"} {
		w := c.get(target)
		if w.Code != http.StatusFound {
			t.Errorf("GET %s: status = %d, want 302", target, w.Code)
			continue
		}
		if want := "/login?next=" + url.QueryEscape(target); w.Header().Get("Location") != want {
			t.Errorf("GET %s: Location = %q, want %q", target, w.Header().Get("Location"), want)
		}
	}
}

func TestRegisterLoginLogout(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	c := app.client("")

	w := c.postForm("/register", url.Values{
		"username": {"amir"}, "password1": {testPassword}, "password2": {testPassword},
	})
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
		t.Fatalf("register: status %d Location %q", w.Code, w.Header().Get("Location"))
	}

	w = c.postForm("/register", url.Values{
		"username": {"amir"}, "password1": {testPassword}, "password2": {testPassword},
	})
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "already exists") {
		t.Errorf("duplicate register: status %d", w.Code)
	}

	w = c.postForm("/login", url.Values{"username": {"amir"}, "password": {"wrong-password"}})
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "Please enter a correct username and password") {
		t.Errorf("bad login: status %d", w.Code)
	}

	w = c.postForm("/login", url.Values{"username": {"amir"}, "password": {testPassword}, "next": {"/images?page=2"}})
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/images?page=2" {
		t.Fatalf("login: status %d Location %q", w.Code, w.Header().Get("Location"))
	}
	if w := c.get("/images"); w.Code != http.StatusOK {
		t.Errorf("after login GET /images: status %d", w.Code)
	}

	w = c.postForm("/logout", nil)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/login" {
		t.Errorf("logout: status %d Location %q", w.Code, w.Header().Get("Location"))
	}
	if w := c.get("/images"); w.Code != http.StatusFound {
		t.Errorf("after logout GET /images: status %d, want 302", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{"missing username", url.Values{"password1": {testPassword}, "password2": {testPassword}}, "This field is required."},
		{"short password", url.Values{"username": {"bo"}, "password1": {"short"}, "password2": {"short"}}, "too short"},
		{"mismatch", url.Values{"username": {"bo"}, "password1": {testPassword}, "password2": {testPassword + "x"}}, "didn&#39;t match"},
		{"long username", url.Values{"username": {strings.Repeat("a", 151)}, "password1": {testPassword}, "password2": {testPassword}}, "at most 150"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := app.client("").postForm("/register", tt.form)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("body missing %q", tt.want)
			}
		})
	}
}

func TestUploadAndView(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	c, user := app.signedIn("amir", "203.0.113.7")

	w := c.upload("cat.png", pngBytes(t))
	if w.Code != http.StatusFound {
		t.Fatalf("upload: status %d body %s", w.Code, w.Body.String())
	}
	publicID := publicIDFrom(t, w)

	img, err := store.NewImageStore(app.db).FindByPublicID(context.Background(), publicID)
	if err != nil {
		t.Fatalf("FindByPublicID: %v", err)
	}
	if img.UserID != user.ID || img.UploaderIP != "203.0.113.7" || img.Filename != "cat.png" {
		t.Errorf("stored image = %+v", img)
	}
	if !strings.HasPrefix(img.StorageKey, "uploads/") || !strings.HasSuffix(img.StorageKey, publicID+".png") {
		t.Errorf("StorageKey = %q", img.StorageKey)
	}
	if _, err := os.Stat(filepath.Join(app.cfg.App.MediaRoot, filepath.FromSlash(img.StorageKey))); err != nil {
		t.Errorf("stored file: %v", err)
	}

	w = c.get("/image/" + publicID)
	if w.Code != http.StatusOK {
		t.Fatalf("detail: status %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "/image/"+publicID+"/delete") {
		t.Error("owner does not see the delete form")
	}

	if w := c.get("/media/" + img.StorageKey); w.Code != http.StatusOK {
		t.Errorf("media: status %d", w.Code)
	}
	if w := c.get("/media/uploads/"); w.Code != http.StatusNotFound {
		t.Errorf("media listing: status %d, want 404", w.Code)
	}

	other, _ := app.signedIn("vera", "198.51.100.2")
	w = other.get("/image/" + publicID)
	if w.Code != http.StatusOK {
		t.Fatalf("detail as other user: status %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "/delete") {
		t.Error("non-owner sees the delete form")
	}
}

func TestUploadRejectsBadInput(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	c, _ := app.signedIn("amir", "203.0.113.7")

	w := c.upload("notes.png", []byte("definitely not an image"))
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "Upload a valid image") {
		t.Errorf("non-image: status %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = c.do(r)
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "This field is required.") {
		t.Errorf("missing file: status %d", w.Code)
	}

	if n := app.imageCount(); n != 0 {
		t.Errorf("images stored = %d, want 0", n)
	}
}

func TestUploadTooLarge(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	c, _ := app.signedIn("amir", "203.0.113.7")

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	r.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	r.ContentLength = 6 * 1024 * 1024
	w := c.do(r)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] != "File too large. Max size is 5 MB." {
		t.Errorf("detail = %q", body["detail"])
	}
	if n := app.imageCount(); n != 0 {
		t.Errorf("images stored = %d, want 0", n)
	}
}

func TestAdmissionBeforeOriginCheck(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quota = config.QuotaConfig{MaxUploads: 1, Window: quota.CalendarDay()}
	app := newTestApp(t, cfg)
	c, _ := app.signedIn("amir", "203.0.113.7")

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("x"))
	r.Header.Set("Content-Type", "multipart/form-data; boundary=xyz")
	r.Header.Set("Origin", "https://evil.example")
	r.ContentLength = 6 * 1024 * 1024
	if w := c.do(r); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("cross-origin oversized POST: status %d, want 413", w.Code)
	}

	if w := c.upload("cat.png", pngBytes(t)); w.Code != http.StatusFound {
		t.Fatalf("first upload: status %d", w.Code)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("image", "cat.png")
	part.Write(pngBytes(t))
	mw.Close()
	r = httptest.NewRequest(http.MethodPost, "/", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r.Header.Set("Origin", "https://evil.example")
	if w := c.do(r); w.Code != http.StatusTooManyRequests {
		t.Errorf("cross-origin over-quota POST: status %d, want 429", w.Code)
	}

	// Within limits the origin check still applies.
	if w := app.client("").postForm("/logout", nil); w.Code != http.StatusFound {
		t.Fatalf("same-origin logout: status %d", w.Code)
	}
	r = httptest.NewRequest(http.MethodPost, "/logout", nil)
	r.Header.Set("Origin", "https://evil.example")
	if w := c.do(r); w.Code != http.StatusForbidden {
		t.Errorf("cross-origin logout: status %d, want 403", w.Code)
	}
}

func TestDailyQuotaPerIP(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	u, _ := app.signedIn("amir", "203.0.113.7")
	data := pngBytes(t)

	for i := 0; i < 10; i++ {
		if w := u.upload("cat.png", data); w.Code != http.StatusFound {
			t.Fatalf("upload %d: status %d", i+1, w.Code)
		}
	}

	w := u.upload("cat.png", data)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th upload: status %d, want 429", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Daily quota reached") {
		t.Errorf("body = %s", w.Body.String())
	}
	if n := app.imageCount(); n != 10 {
		t.Errorf("images stored = %d, want 10", n)
	}

	// The quota follows the address, not the account.
	v, _ := app.signedIn("vera", "203.0.113.7")
	if w := v.upload("dog.png", data); w.Code != http.StatusTooManyRequests {
		t.Errorf("other user, same IP: status %d, want 429", w.Code)
	}
	v.ip = "198.51.100.2"
	if w := v.upload("dog.png", data); w.Code != http.StatusFound {
		t.Errorf("other user, other IP: status %d, want 302", w.Code)
	}

	// Viewing is never limited.
	if w := u.get("/images"); w.Code != http.StatusOK {
		t.Errorf("list while over quota: status %d", w.Code)
	}
}

func TestTrailingWindowMessage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Quota = config.QuotaConfig{MaxUploads: 1, Window: quota.TrailingHours(24)}
	app := newTestApp(t, cfg)
	c, _ := app.signedIn("amir", "203.0.113.7")

	if w := c.upload("cat.png", pngBytes(t)); w.Code != http.StatusFound {
		t.Fatalf("first upload: status %d", w.Code)
	}
	w := c.upload("cat.png", pngBytes(t))
	if w.Code != http.StatusTooManyRequests || !strings.Contains(w.Body.String(), "in 24 hours") {
		t.Errorf("second upload: status %d body %s", w.Code, w.Body.String())
	}
}

func TestDelete(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	owner, _ := app.signedIn("amir", "203.0.113.7")
	other, _ := app.signedIn("vera", "198.51.100.2")

	publicID := publicIDFrom(t, owner.upload("cat.png", pngBytes(t)))
	img, err := store.NewImageStore(app.db).FindByPublicID(context.Background(), publicID)
	if err != nil {
		t.Fatalf("FindByPublicID: %v", err)
	}
	path := filepath.Join(app.cfg.App.MediaRoot, filepath.FromSlash(img.StorageKey))
	target := "/image/" + publicID + "/delete"

	if w := other.postForm(target, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-owner delete: status %d, want 403", w.Code)
	}
	if w := owner.get(target); w.Code != http.StatusNotFound {
		t.Errorf("GET delete: status %d, want 404", w.Code)
	}
	if n := app.imageCount(); n != 1 {
		t.Fatalf("images = %d after refused deletes, want 1", n)
	}

	w := owner.postForm(target, nil)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("owner delete: status %d Location %q", w.Code, w.Header().Get("Location"))
	}
	if n := app.imageCount(); n != 0 {
		t.Errorf("images = %d after delete, want 0", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file still present: %v", err)
	}

	if w := owner.postForm(target, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", w.Code)
	}
}

func TestDetailNotFound(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	c, _ := app.signedIn("amir", "203.0.113.7")

	for _, target := range []string{
		"/image/not-a-uuid",
		"/image/0b1c2d3e4f504a6b8c7d9e0f1a2b3c4d",
		"/image/0b1c2d3e-4f50-4a6b-8c7d-9e0f1a2b3c4d",
	} {
		if w := c.get(target); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: status %d, want 404", target, w.Code)
		}
	}
}

func TestListPagination(t *testing.T) {
	app := newTestApp(t, testConfig(t))
	c, user := app.signedIn("amir", "203.0.113.7")

	images := store.NewImageStore(app.db)
	for i := 0; i < 12; i++ {
		img := models.NewImage(user.ID, "10.0.0.1", "")
		img.StorageKey = storage.Key(img.PublicID, ".png", img.CreatedAt)
		if err := images.Create(context.Background(), img); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	tests := []struct {
		query string
		want  string
		items int
	}{
		{"", "Page 1 of 2", 10},
		{"?page=2", "Page 2 of 2", 2},
		{"?page=abc", "Page 1 of 2", 10},
		{"?page=40", "Page 2 of 2", 2},
	}
	for _, tt := range tests {
		w := c.get("/images" + tt.query)
		if w.Code != http.StatusOK {
			t.Fatalf("GET /images%s: status %d", tt.query, w.Code)
		}
		body := w.Body.String()
		if !strings.Contains(body, tt.want) {
			t.Errorf("GET /images%s: missing %q", tt.query, tt.want)
		}
		if got := strings.Count(body, `<li>`); got != tt.items {
			t.Errorf("GET /images%s: %d items, want %d", tt.query, got, tt.items)
		}
	}
}

func TestAuthRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AuthRateLimit = 2
	app := newTestApp(t, cfg)
	c := app.client("192.0.2.50")

	for i := 0; i < 2; i++ {
		if w := c.get("/login"); w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, w.Code)
		}
	}
	if w := c.get("/login"); w.Code != http.StatusTooManyRequests {
		t.Errorf("third request: status %d, want 429", w.Code)
	}
	if w := app.client("192.0.2.51").get("/login"); w.Code != http.StatusOK {
		t.Errorf("other client: status %d", w.Code)
	}
}
