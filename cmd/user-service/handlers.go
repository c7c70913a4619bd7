package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sposaceee/user-microservice/internal/avatars"
	"github.com/sposaceee/user-microservice/internal/orchestrator"
	"github.com/sposaceee/user-microservice/internal/outcome"
	"github.com/sposaceee/user-microservice/internal/profiles"
)

func createUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req profiles.CreateUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}

		res := as.Coordinator.CreateUser(c.Request.Context(), &req)
		writeResult(c, as.Logger, res, http.StatusCreated)
	}
}

func getCurrentUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := currentUser(c)
		c.JSON(http.StatusOK, user)
	}
}

func updateCurrentUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		var fields profiles.Fields
		if err := c.ShouldBindJSON(&fields); err != nil {
			writeBindError(c, err)
			return
		}

		user, _ := currentUser(c)
		res := as.Coordinator.SelfUpdate(c.Request.Context(), user.ID, fields)
		writeResult(c, as.Logger, res, http.StatusOK)
	}
}

func deleteCurrentUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := currentUser(c)
		res := as.Coordinator.SelfDelete(c.Request.Context(), currentBearer(c), user.ID)
		if res.IsSuccess() {
			removeAvatarFile(as, user.AvatarPath)
		}
		writeResult(c, as.Logger, res, http.StatusNoContent)
	}
}

func listUsers(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryInt(c, "limit")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}
		offset, err := queryInt(c, "offset")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be an integer"})
			return
		}

		users, err := as.Coordinator.ListUsers(c.Request.Context(), profiles.ListOptions{Limit: limit, Offset: offset})
		if err != nil {
			as.Logger.Error("Failed to list users", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Failed to retrieve users"})
			return
		}
		c.JSON(http.StatusOK, users)
	}
}

func adminUpdateUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body profiles.Fields
		if err := c.ShouldBindJSON(&body); err != nil {
			writeBindError(c, err)
			return
		}

		id, _ := body["id"].(string)
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "User ID is required"})
			return
		}

		res := as.Coordinator.AdminUpdate(c.Request.Context(), currentBearer(c), id, body.Without("id"))
		writeResult(c, as.Logger, res, http.StatusOK)
	}
}

func adminDeleteUser(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body struct {
			ID string `json:"id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			writeBindError(c, err)
			return
		}

		var avatarPath string
		if target, err := as.Profiles.GetByID(c.Request.Context(), body.ID); err == nil {
			avatarPath = target.AvatarPath
		}

		res := as.Coordinator.AdminDelete(c.Request.Context(), currentBearer(c), body.ID)
		if res.IsSuccess() {
			removeAvatarFile(as, avatarPath)
		}
		writeResult(c, as.Logger, res, http.StatusNoContent)
	}
}

func listInconsistencies(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		if as.Inconsistencies == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "inconsistency records are written to the log sink only"})
			return
		}
		limit, err := queryInt(c, "limit")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
			return
		}

		records, err := as.Inconsistencies.ListOpen(c.Request.Context(), limit)
		if err != nil {
			as.Logger.Error("Failed to list inconsistency records", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list inconsistency records"})
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

func uploadProfilePicture(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := currentUser(c)

		header, err := c.FormFile("image")
		if err != nil {
			if isBodyTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'image' is required"})
			return
		}
		if header.Size > as.Avatars.MaxBytes() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "File too large (max 5MB)"})
			return
		}

		file, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer file.Close()

		publicPath, err := as.Avatars.Save(file, "image")
		if err != nil {
			if errors.Is(err, avatars.ErrTooLarge) || errors.Is(err, avatars.ErrUnsupportedType) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			as.Logger.Error("Failed to store profile picture", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
			return
		}

		res := as.Coordinator.SetAvatar(c.Request.Context(), user.ID, publicPath)
		if !res.IsSuccess() {
			removeAvatarFile(as, publicPath)
			writeResult(c, as.Logger, res, http.StatusOK)
			return
		}

		removeAvatarFile(as, user.AvatarPath)
		c.JSON(http.StatusOK, res.User)
	}
}

func getProfilePicture(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := currentUser(c)
		if user.AvatarPath == "" {
			c.Status(http.StatusNotFound)
			return
		}

		full, err := as.Avatars.Resolve(user.AvatarPath)
		if err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.File(full)
	}
}

func deleteProfilePicture(as *AppState) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, _ := currentUser(c)

		res := as.Coordinator.SetAvatar(c.Request.Context(), user.ID, "")
		if res.IsSuccess() {
			removeAvatarFile(as, user.AvatarPath)
		}
		writeResult(c, as.Logger, res, http.StatusNoContent)
	}
}

// writeResult maps a coordinator result onto the response
func writeResult(c *gin.Context, logger *zap.Logger, res orchestrator.Result, okStatus int) {
	switch res.Status {
	case orchestrator.StatusSuccess:
		if okStatus == http.StatusNoContent || res.User == nil {
			c.Status(okStatus)
			return
		}
		c.JSON(okStatus, res.User)

	case orchestrator.StatusPartialFailure:
		status := "partial_failure"
		if res.CleanupPending {
			status = "cleanup_pending"
		}
		logger.Error("Returning partial failure",
			zap.String("operation", string(res.Operation)),
			zap.String("record_id", res.RecordID),
			zap.String("detail", res.Detail))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":          status,
			"error":           res.Reason,
			"detail":          res.Detail,
			"committed_store": res.CommittedStore,
			"failed_store":    res.FailedStore,
			"record_id":       res.RecordID,
		})

	default:
		c.JSON(failureStatus(res), gin.H{
			"status":    res.Status,
			"error":     res.Reason,
			"code":      res.Code,
			"retryable": res.Retryable,
		})
	}
}

func failureStatus(res orchestrator.Result) int {
	if res.Retryable {
		return http.StatusServiceUnavailable
	}
	if res.RemoteStatus >= 400 && res.RemoteStatus < 500 {
		return res.RemoteStatus
	}
	switch res.Code {
	case outcome.CodeUnauthorized:
		return http.StatusUnauthorized
	case outcome.CodeForbidden:
		return http.StatusForbidden
	case outcome.CodeNotFound:
		return http.StatusNotFound
	case outcome.CodeConflict:
		return http.StatusConflict
	case outcome.CodeUnexpectedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

func writeBindError(c *gin.Context, err error) {
	if isBodyTooLarge(err) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
		return
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make([]fieldError, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, fieldError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()})
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "errors": out})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func removeAvatarFile(as *AppState, publicPath string) {
	if publicPath == "" {
		return
	}
	if err := as.Avatars.Remove(publicPath); err != nil {
		as.Logger.Warn("Failed to remove profile picture", zap.String("path", publicPath), zap.Error(err))
	}
}
