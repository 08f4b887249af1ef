package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"phHeadshot/internal/database"
	"phHeadshot/internal/store"
)

type imageBlobStore interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (string, error)
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration) (string, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

// ImageHandler 负责图片上传、列表与删除。
type ImageHandler struct {
	store     *store.Store
	blobs     imageBlobStore
	logger    *slog.Logger
	maxBytes  int64
	clamdAddr string
}

// NewImageHandler 返回 ImageHandler 实例。
func NewImageHandler(st *store.Store, blobs imageBlobStore, logger *slog.Logger, maxBytes int64, clamdAddr string) *ImageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageHandler{
		store:     st,
		blobs:     blobs,
		logger:    logger,
		maxBytes:  maxBytes,
		clamdAddr: clamdAddr,
	}
}

type imageResponse struct {
	ID        uint      `json:"id"`
	Type      string    `json:"type"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

func newImageResponse(img database.Image) imageResponse {
	return imageResponse{
		ID:        img.ID,
		Type:      img.Type,
		URL:       img.URL,
		CreatedAt: img.CreatedAt,
	}
}

// UploadImage 处理照片上传：大小与类型校验、可选病毒扫描，
// 先写对象存储、成功后再插入记录（任何校验失败都不会产生存储写入）。
func (h *ImageHandler) UploadImage(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}

	if h.maxBytes > 0 && file.Size > h.maxBytes {
		BadRequest(c, fmt.Sprintf("file exceeds %d bytes", h.maxBytes))
		return
	}

	contentType, ext, err := sniffImageType(file)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	if h.clamdAddr != "" {
		if err := h.scanFile(file); err != nil {
			if errors.Is(err, errMaliciousFile) {
				BadRequest(c, "malicious file detected")
				return
			}
			h.logger.Error("scan file", slog.Any("error", err))
			Internal(c, "failed to scan file")
			return
		}
	}

	fileReader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	defer fileReader.Close()

	ctx := c.Request.Context()
	objectKey := fmt.Sprintf("uploaded/%d/%s%s", userID, uuid.NewString(), ext)

	url, err := h.blobs.UploadFile(ctx, objectKey, fileReader, file.Size, contentType)
	if err != nil {
		h.logger.Error("upload file", slog.Any("error", err))
		Internal(c, "failed to upload file")
		return
	}

	img, err := h.store.CreateImage(ctx, userID, database.ImageTypeUploaded, objectKey, url)
	if err != nil {
		h.logger.Error("create image record", slog.Any("error", err))
		Internal(c, "failed to store image record")
		return
	}

	c.JSON(http.StatusCreated, newImageResponse(img))
}

// ListImages 按创建时间倒序列出用户图片，附带限时预览链接。
func (h *ImageHandler) ListImages(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	imageType := c.Query("type")
	switch imageType {
	case "", database.ImageTypeUploaded, database.ImageTypeGenerated:
	default:
		BadRequest(c, "invalid image type")
		return
	}

	ctx := c.Request.Context()
	images, err := h.store.ListImages(ctx, userID, imageType)
	if err != nil {
		h.logger.Error("list images", slog.Any("error", err))
		Internal(c, "failed to list images")
		return
	}

	items := make([]gin.H, 0, len(images))
	for _, img := range images {
		item := gin.H{
			"id":         img.ID,
			"type":       img.Type,
			"url":        img.URL,
			"created_at": img.CreatedAt,
		}
		if previewURL, err := h.blobs.GeneratePresignedURL(ctx, img.ObjectKey, 10*time.Minute); err == nil {
			item["preview_url"] = previewURL
		} else {
			h.logger.Error("generate preview url", slog.String("object_key", img.ObjectKey), slog.Any("error", err))
		}
		items = append(items, item)
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

// DeleteImage 删除用户自己的图片，行删除成功后尽力清理对象存储。
func (h *ImageHandler) DeleteImage(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	imageID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		BadRequest(c, "invalid image id")
		return
	}

	ctx := c.Request.Context()
	img, err := h.store.DeleteImage(ctx, uint(imageID), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(c, "image not found")
			return
		}
		h.logger.Error("delete image", slog.Any("error", err))
		Internal(c, "failed to delete image")
		return
	}

	if err := h.blobs.DeleteObject(ctx, img.ObjectKey); err != nil {
		h.logger.Error("delete image blob", slog.String("object_key", img.ObjectKey), slog.Any("error", err))
	}

	c.Status(http.StatusNoContent)
}

var errMaliciousFile = errors.New("malicious file detected")

func (h *ImageHandler) scanFile(file *multipart.FileHeader) error {
	fileReader, err := file.Open()
	if err != nil {
		return fmt.Errorf("open file for scan: %w", err)
	}
	defer fileReader.Close()

	clamdClient := clamd.NewClamd(h.clamdAddr)
	abortChan := make(chan bool)
	scanChan, err := clamdClient.ScanStream(fileReader, abortChan)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}
	defer close(abortChan)

	for result := range scanChan {
		if result.Status != clamd.RES_OK {
			return errMaliciousFile
		}
	}
	return nil
}

// 允许的上传类型：JPEG/PNG 以内容嗅探为准，HEIC 校验 ftyp box 品牌。
func sniffImageType(file *multipart.FileHeader) (contentType, ext string, err error) {
	reader, err := file.Open()
	if err != nil {
		return "", "", errors.New("failed to read file")
	}
	defer reader.Close()

	buf := make([]byte, 512)
	n, readErr := reader.Read(buf)
	if readErr != nil && readErr != io.EOF {
		return "", "", errors.New("failed to read file")
	}
	buf = buf[:n]

	switch http.DetectContentType(buf) {
	case "image/jpeg":
		return "image/jpeg", ".jpg", nil
	case "image/png":
		return "image/png", ".png", nil
	}

	if isHEIC(buf) {
		return "image/heic", ".heic", nil
	}

	return "", "", errors.New("unsupported file type, expected jpeg, png or heic")
}

func isHEIC(buf []byte) bool {
	if len(buf) < 12 || !bytes.Equal(buf[4:8], []byte("ftyp")) {
		return false
	}
	switch string(buf[8:12]) {
	case "heic", "heix", "heif", "mif1":
		return true
	}
	return false
}

func userIDFromContext(c *gin.Context) (uint, bool) {
	value, exists := c.Get("userID")
	if !exists {
		return 0, false
	}

	switch v := value.(type) {
	case uint:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	case uint64:
		return uint(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint(v), true
	default:
		return 0, false
	}
}
