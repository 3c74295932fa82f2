package web

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-sortbin/pkg/controller"
	"github.com/teslashibe/go-sortbin/pkg/roi"
	"github.com/teslashibe/go-sortbin/pkg/station"
)

const (
	defaultHistory = 20
	maxHistory     = 200
)

// handleStatus returns the station snapshot
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.backend.Status(c.UserContext()))
}

// handleHistory returns this run's deposit sessions and, when the ledger
// keeps them, the latest recorded deposits
func (s *Server) handleHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultHistory)
	if limit < 1 || limit > maxHistory {
		return fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 200")
	}

	resp := fiber.Map{"sessions": s.backend.History()}
	recent, err := s.backend.Recent(c.UserContext(), limit)
	switch {
	case errors.Is(err, station.ErrNoHistory):
	case err != nil:
		return err
	default:
		resp["ledger"] = recent
	}
	return c.JSON(resp)
}

type regionResponse struct {
	Region roi.ROI `json:"region"`
	Locked bool    `json:"locked"`
}

func (s *Server) regionJSON(c *fiber.Ctx) error {
	ed := s.backend.Region()
	return c.JSON(regionResponse{Region: ed.Get(), Locked: ed.Locked()})
}

// handleGetROI returns the current region
func (s *Server) handleGetROI(c *fiber.Ctx) error {
	return s.regionJSON(c)
}

// handleSetROI replaces the region
func (s *Server) handleSetROI(c *fiber.Ctx) error {
	var r roi.ROI
	if err := c.BodyParser(&r); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid region body")
	}
	if err := s.backend.Region().Set(r); err != nil {
		return regionError(err)
	}
	return s.regionJSON(c)
}

// handleResetROI restores the default region
func (s *Server) handleResetROI(c *fiber.Ctx) error {
	if err := s.backend.Region().Reset(); err != nil {
		return regionError(err)
	}
	return s.regionJSON(c)
}

// DragRequest moves one handle of the region
type DragRequest struct {
	Handle string  `json:"handle"` // top_left, top_right, bottom_left, bottom_right, center
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// handleDragROI applies one drag
func (s *Server) handleDragROI(c *fiber.Ctx) error {
	var req DragRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid drag body")
	}
	corner, err := roi.ParseCorner(req.Handle)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if _, err := s.backend.Region().Drag(corner, req.X, req.Y); err != nil {
		return regionError(err)
	}
	return s.regionJSON(c)
}

func regionError(err error) error {
	switch {
	case errors.Is(err, roi.ErrLocked):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, roi.ErrInvalid):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return err
}

// handleConnect connects the controller and waits for the handshake
func (s *Server) handleConnect(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.ConnectTimeout)
	defer cancel()

	sess, err := s.backend.Connect(ctx)
	if err != nil {
		return connectError(c, err)
	}
	return c.JSON(fiber.Map{
		"state":        controller.Connected,
		"token":        sess.Token,
		"connected_at": sess.ConnectedAt,
	})
}

func connectError(c *fiber.Ctx, err error) error {
	if errors.Is(err, controller.ErrAlreadyConnecting) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	var ce *controller.ConnectError
	if errors.As(err, &ce) {
		code := fiber.StatusBadGateway
		if ce.Kind == controller.ConnectTimeout {
			code = fiber.StatusGatewayTimeout
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error(), "kind": ce.Kind.String()})
	}
	return err
}

// handleDisconnect drops the controller link
func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	if err := s.backend.Disconnect(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.backend.Status(c.UserContext()).Connection.State})
}

// StepRequest moves one servo with the legacy per-axis command
type StepRequest struct {
	Axis    string `json:"axis"` // pan, tilt
	Degrees int    `json:"degrees"`
}

// handleStep sends GIRO/INCL for calibration
func (s *Server) handleStep(c *fiber.Ctx) error {
	var req StepRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid step body")
	}

	var axis controller.Axis
	switch strings.ToLower(req.Axis) {
	case "pan":
		axis = controller.Pan
	case "tilt":
		axis = controller.Tilt
	default:
		return fiber.NewError(fiber.StatusBadRequest, "axis must be pan or tilt")
	}

	err := s.backend.Step(c.UserContext(), axis, req.Degrees)
	if err == nil {
		return c.JSON(fiber.Map{"axis": req.Axis, "degrees": req.Degrees})
	}

	var se *controller.SendError
	if !errors.As(err, &se) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	code := fiber.StatusBadGateway
	switch se.Kind {
	case controller.NotConnected:
		code = fiber.StatusConflict
	case controller.SendTimeout:
		code = fiber.StatusGatewayTimeout
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error(), "kind": se.Kind.String()})
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(s.camera.GetConfigJSON())
}

// handleUpdateCamera applies a partial settings update; a "preset" key
// loads that preset first
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	params := map[string]interface{}{}
	if err := c.BodyParser(&params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid camera body")
	}
	if err := s.camera.UpdateConfig(params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(s.camera.GetConfigJSON())
}
