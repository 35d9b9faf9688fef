package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/courier/internal/dispatch"
	"github.com/zulandar/courier/internal/errs"
	"github.com/zulandar/courier/internal/transport"
)

// registerRoutes sets up every API route on the gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.GET("/healthz", handleHealth())

	// Sessions.
	router.GET("/code", handleCode(opts.Sessions))
	router.GET("/status", handleStatus(opts.Sessions, opts.Tasks))
	router.GET("/groups", handleGroups(opts.Sessions))
	router.POST("/cleanup-session", handleCleanup(opts.Sessions))

	// Tasks.
	router.POST("/send-message", handleSend(opts.Tasks))
	router.GET("/task-status", handleTaskStatus(opts.Tasks))
	router.POST("/stop-task", handleStopTask(opts.Tasks))
	router.GET("/tasks", handleTasks(opts.Tasks))

	if opts.Events != nil {
		router.GET("/events", handleEvents(opts.Events))
	}
}

// renderError writes err with the status and code of its taxonomy entry.
func renderError(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(err), gin.H{"error": err.Error(), "code": errs.Code(err)})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("api: "+format+": %w", append(args, errs.ErrValidation)...)
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleCode(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		number := c.Query("number")
		if number == "" {
			renderError(c, badRequest("number is required"))
			return
		}
		res, err := s.Create(c.Request.Context(), number, c.Query("ownerId"))
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleStatus(s Sessions, t Tasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.Query("ownerId")
		c.JSON(http.StatusOK, gin.H{
			"sessions":    s.Status(owner),
			"activeTasks": t.ActiveCount(owner),
		})
	}
}

func handleGroups(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("sessionId")
		if id == "" {
			renderError(c, badRequest("sessionId is required"))
			return
		}
		groups, err := s.ListGroups(c.Request.Context(), id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessionId": id, "groups": groups})
	}
}

type cleanupRequest struct {
	SessionID string `json:"sessionId" form:"sessionId"`
}

func handleCleanup(s Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cleanupRequest
		if err := c.ShouldBind(&req); err != nil {
			renderError(c, badRequest("bad request body: %v", err))
			return
		}
		if req.SessionID == "" {
			renderError(c, badRequest("sessionId is required"))
			return
		}
		removed := s.Cleanup(req.SessionID)
		c.JSON(http.StatusOK, gin.H{"success": true, "sessionId": req.SessionID, "removed": removed})
	}
}

type sendRequest struct {
	SessionID  string   `json:"sessionId" form:"sessionId"`
	OwnerID    string   `json:"ownerId" form:"ownerId"`
	Target     string   `json:"target" form:"target"`
	TargetType string   `json:"targetType" form:"targetType"`
	DelaySec   float64  `json:"delaySec" form:"delaySec"`
	Prefix     string   `json:"prefix" form:"prefix"`
	Messages   []string `json:"messages" form:"messages"`
}

func handleSend(t Tasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBind(&req); err != nil {
			renderError(c, badRequest("bad request body: %v", err))
			return
		}
		if req.SessionID == "" {
			renderError(c, badRequest("sessionId is required"))
			return
		}
		kind, err := transport.ParseTargetKind(req.TargetType)
		if err != nil {
			renderError(c, badRequest("%v", err))
			return
		}

		msgs := req.Messages
		if fh, ferr := c.FormFile("messageFile"); ferr == nil {
			f, err := fh.Open()
			if err != nil {
				renderError(c, fmt.Errorf("api: open message file: %v: %w", err, errs.ErrMessageSourceInvalid))
				return
			}
			parsed, err := dispatch.ParseMessages(f)
			f.Close()
			if err != nil {
				renderError(c, err)
				return
			}
			msgs = parsed
		} else if !errors.Is(ferr, http.ErrMissingFile) && !errors.Is(ferr, http.ErrNotMultipart) {
			renderError(c, fmt.Errorf("api: message file: %v: %w", ferr, errs.ErrMessageSourceInvalid))
			return
		}

		info, err := t.Start(c.Request.Context(), dispatch.Request{
			SessionID:  req.SessionID,
			OwnerID:    req.OwnerID,
			Target:     req.Target,
			TargetKind: kind,
			Messages:   msgs,
			Prefix:     req.Prefix,
			Delay:      time.Duration(req.DelaySec * float64(time.Second)),
		})
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"taskId":        info.ID,
			"status":        "started",
			"queued":        info.Queued,
			"totalMessages": info.Total,
		})
	}
}

func handleTaskStatus(t Tasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("taskId")
		if id == "" {
			renderError(c, badRequest("taskId is required"))
			return
		}
		info, err := t.Status(id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

type stopRequest struct {
	TaskID string `json:"taskId" form:"taskId"`
}

func handleStopTask(t Tasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stopRequest
		if err := c.ShouldBind(&req); err != nil {
			renderError(c, badRequest("bad request body: %v", err))
			return
		}
		if strings.TrimSpace(req.TaskID) == "" {
			renderError(c, badRequest("taskId is required"))
			return
		}
		info, err := t.Stop(req.TaskID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": fmt.Sprintf("Task %s stop requested", req.TaskID),
			"task":    info,
		})
	}
}

func handleTasks(t Tasks) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": t.List(c.Query("ownerId"))})
	}
}
