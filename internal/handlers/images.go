package handlers

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/petermazzocco/imagehost/internal/admission"
	"github.com/petermazzocco/imagehost/internal/auth"
	"github.com/petermazzocco/imagehost/internal/clientip"
	"github.com/petermazzocco/imagehost/internal/quota"
	"github.com/petermazzocco/imagehost/internal/render"
	"github.com/petermazzocco/imagehost/internal/storage"
	"github.com/petermazzocco/imagehost/internal/store"
	"github.com/petermazzocco/imagehost/models"
)

const (
	PageSize = 10

	// multipart framing allowed on top of the file itself
	formOverhead  = 1 << 20
	formMaxMemory = 10 << 20

	msgRequired      = "This field is required."
	msgInvalidImage  = "Upload a valid image. The file you uploaded was either not an image or a corrupted image."
	msgNotAuthorized = "You are not authorized to delete this image."
)

var extensions = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"webp": ".webp",
	"bmp":  ".bmp",
	"tiff": ".tiff",
}

type ImageHandler struct {
	Images        *store.ImageStore
	Users         *store.UserStore
	Files         storage.Storage
	Quota         admission.QuotaChecker
	Policy        quota.Policy
	MaxUploadSize int64
	// Location is the zone upload times are shown in. Nil means UTC.
	Location *time.Location
	Render   *render.Renderer
	Log      *zap.Logger
}

type uploadPage struct {
	basePage
	Error       string
	FieldErrors map[string][]string
	MaxUploadMB int64
}

type detailPage struct {
	basePage
	Image      *models.Image
	ImageURL   string
	UploadedAt time.Time
	CanDelete  bool
}

type galleryItem struct {
	Image      models.Image
	URL        string
	UploadedAt time.Time
}

type listPage struct {
	basePage
	Page  store.Page
	Items []galleryItem
}

func (h *ImageHandler) location() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

func (h *ImageHandler) renderUpload(w http.ResponseWriter, r *http.Request, status int, msg string, fieldErrors map[string][]string) {
	page := uploadPage{
		basePage:    currentPage(r, h.Users),
		Error:       msg,
		FieldErrors: fieldErrors,
		MaxUploadMB: h.MaxUploadSize / (1024 * 1024),
	}
	renderPage(w, h.Render, h.Log, status, "upload", page)
}

func (h *ImageHandler) UploadForm(w http.ResponseWriter, r *http.Request) {
	h.renderUpload(w, r, http.StatusOK, "", nil)
}

// Upload stores a new image for the signed-in user and redirects to its page.
func (h *ImageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := auth.UserID(ctx)
	if !ok {
		http.Error(w, "Not Authorized", http.StatusUnauthorized)
		return
	}

	ip := clientip.Resolve(r)
	over, err := h.Quota.IsOverQuota(ctx, ip, h.Policy)
	if err != nil {
		h.Log.Error("Quota check failed", zap.String("ip", ip), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if over {
		h.renderUpload(w, r, http.StatusTooManyRequests, h.Policy.Message(), nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadSize+formOverhead)
	if err := r.ParseMultipartForm(formMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.renderUpload(w, r, http.StatusRequestEntityTooLarge, admission.TooLargeMessage(h.MaxUploadSize), nil)
			return
		}
		h.renderUpload(w, r, http.StatusBadRequest, "", map[string][]string{"image": {msgRequired}})
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.renderUpload(w, r, http.StatusBadRequest, "", map[string][]string{"image": {msgRequired}})
		return
	}
	defer file.Close()

	format, msg := h.validateImage(file, header)
	if msg != "" {
		h.renderUpload(w, r, http.StatusBadRequest, "", map[string][]string{"image": {msg}})
		return
	}

	img := models.NewImage(userID, ip, "")
	img.StorageKey = storage.Key(img.PublicID, extensions[format], img.CreatedAt)
	img.Filename = header.Filename
	img.MimeType = "image/" + format
	img.Size = header.Size

	if err := h.Files.Save(ctx, img.StorageKey, file, header.Size, img.MimeType); err != nil {
		h.Log.Error("Failed to store image", zap.String("key", img.StorageKey), zap.Error(err))
		http.Error(w, "Failed to upload image", http.StatusInternalServerError)
		return
	}

	if err := h.Images.Create(ctx, img); err != nil {
		h.Log.Error("Error adding image to database", zap.Error(err))
		if delErr := h.Files.Delete(ctx, img.StorageKey); delErr != nil {
			h.Log.Warn("Failed to remove orphaned file", zap.String("key", img.StorageKey), zap.Error(delErr))
		}
		http.Error(w, "Error adding image to database", http.StatusInternalServerError)
		return
	}

	h.Log.Info("Image uploaded",
		zap.String("public_id", img.PublicID),
		zap.Uint("user_id", userID),
		zap.String("ip", ip),
		zap.Int64("size", img.Size))

	http.Redirect(w, r, "/image/"+img.PublicID, http.StatusFound)
}

// validateImage decodes just enough of file to know it is an image, then
// checks the size of the uploaded file itself. The returned message is empty
// when the file is acceptable.
func (h *ImageHandler) validateImage(file multipart.File, header *multipart.FileHeader) (string, string) {
	_, format, err := image.DecodeConfig(file)
	if err != nil {
		return "", msgInvalidImage
	}
	if _, ok := extensions[format]; !ok {
		return "", msgInvalidImage
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", msgInvalidImage
	}

	if header.Size > h.MaxUploadSize {
		mb := h.MaxUploadSize / (1024 * 1024)
		return "", fmt.Sprintf("Image size exceeds %d MB. Please upload a smaller file.", mb)
	}
	return format, ""
}

// parsePublicID accepts only the canonical 36 character UUID form.
func parsePublicID(r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "publicID")
	if len(raw) != 36 {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func (h *ImageHandler) Detail(w http.ResponseWriter, r *http.Request) {
	publicID, ok := parsePublicID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	img, err := h.Images.FindByPublicID(r.Context(), publicID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.Log.Error("Failed to load image", zap.String("public_id", publicID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	userID, _ := auth.UserID(r.Context())
	page := detailPage{
		basePage:  currentPage(r, h.Users),
		Image:      img,
		ImageURL:   h.Files.URL(img.StorageKey),
		UploadedAt: img.CreatedAt.In(h.location()),
		CanDelete:  img.IsOwnedBy(userID),
	}
	renderPage(w, h.Render, h.Log, http.StatusOK, "detail", page)
}

// Delete removes an image and its file. Only the owner may delete, and only
// with POST; any other method is answered as if the page did not exist.
func (h *ImageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	publicID, ok := parsePublicID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	ctx := r.Context()
	img, err := h.Images.FindByPublicID(ctx, publicID)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		h.Log.Error("Failed to load image", zap.String("public_id", publicID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	userID, _ := auth.UserID(ctx)
	if !img.IsOwnedBy(userID) {
		h.Log.Warn("Refused delete by non-owner",
			zap.String("public_id", publicID),
			zap.Uint("user_id", userID))
		http.Error(w, msgNotAuthorized, http.StatusForbidden)
		return
	}

	if err := h.Files.Delete(ctx, img.StorageKey); err != nil {
		h.Log.Error("Failed to delete stored file", zap.String("key", img.StorageKey), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := h.Images.Delete(ctx, img); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.Log.Error("Failed to delete image record", zap.String("public_id", publicID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.Log.Info("Image deleted", zap.String("public_id", publicID), zap.Uint("user_id", userID))
	http.Redirect(w, r, "/", http.StatusFound)
}

// List shows the signed-in user's images, PageSize per page, newest first.
func (h *ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	number, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil {
		number = 1
	}

	page, err := h.Images.ListByOwner(r.Context(), userID, number, PageSize)
	if err != nil {
		h.Log.Error("Failed to list images", zap.Uint("user_id", userID), zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	items := make([]galleryItem, 0, len(page.Images))
	for _, img := range page.Images {
		items = append(items, galleryItem{
			Image:      img,
			URL:        h.Files.URL(img.StorageKey),
			UploadedAt: img.CreatedAt.In(h.location()),
		})
	}

	data := listPage{
		basePage: currentPage(r, h.Users),
		Page:     page,
		Items:    items,
	}
	renderPage(w, h.Render, h.Log, http.StatusOK, "list", data)
}
