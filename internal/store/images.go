package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/petermazzocco/imagehost/models"
)

var ErrNotFound = errors.New("record not found")

// ImageStore persists image records. It satisfies quota.Counter.
type ImageStore struct {
	db *gorm.DB
}

func NewImageStore(db *gorm.DB) *ImageStore {
	return &ImageStore{db: db}
}

func (s *ImageStore) Create(ctx context.Context, img *models.Image) error {
	if err := s.db.WithContext(ctx).Create(img).Error; err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

func (s *ImageStore) FindByPublicID(ctx context.Context, publicID string) (*models.Image, error) {
	var img models.Image
	err := s.db.WithContext(ctx).Where("public_id = ?", publicID).First(&img).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find image %s: %w", publicID, err)
	}
	return &img, nil
}

func (s *ImageStore) Delete(ctx context.Context, img *models.Image) error {
	res := s.db.WithContext(ctx).Delete(&models.Image{}, img.ID)
	if res.Error != nil {
		return fmt.Errorf("delete image %s: %w", img.PublicID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByIP counts images uploaded from ip with created_at in [from, to).
func (s *ImageStore) CountByIP(ctx context.Context, ip string, from, to time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Image{}).
		Where("uploader_ip = ? AND created_at >= ? AND created_at < ?", ip, from.UTC(), to.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *ImageStore) CountByOwner(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Image{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// Page is one page of a user's gallery. Number is 1-based.
type Page struct {
	Images     []models.Image
	Number     int
	TotalPages int
	Total      int64
}

func (p Page) HasPrevious() bool { return p.Number > 1 }
func (p Page) HasNext() bool     { return p.Number < p.TotalPages }
func (p Page) Previous() int     { return p.Number - 1 }
func (p Page) Next() int         { return p.Number + 1 }

// HasOtherPages is true when pagination controls are worth showing.
func (p Page) HasOtherPages() bool { return p.TotalPages > 1 }

// ListByOwner returns page number of userID's images, newest first. Page
// numbers below 1 select the first page and numbers past the end select the
// last one.
func (s *ImageStore) ListByOwner(ctx context.Context, userID uint, number, size int) (Page, error) {
	total, err := s.CountByOwner(ctx, userID)
	if err != nil {
		return Page{}, fmt.Errorf("count images: %w", err)
	}

	totalPages := int((total + int64(size) - 1) / int64(size))
	if totalPages == 0 {
		totalPages = 1
	}
	if number < 1 {
		number = 1
	}
	if number > totalPages {
		number = totalPages
	}

	var images []models.Image
	err = s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(size).
		Offset((number - 1) * size).
		Find(&images).Error
	if err != nil {
		return Page{}, fmt.Errorf("list images: %w", err)
	}

	return Page{
		Images:     images,
		Number:     number,
		TotalPages: totalPages,
		Total:      total,
	}, nil
}
