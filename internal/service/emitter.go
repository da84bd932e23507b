package service

import (
	"context"
	"time"

	"github.com/noah-isme/crm-realtime-api/internal/realtime"
)

// Emitter is the part of the connection registry the messaging services depend on.
type Emitter interface {
	IsReachable(userID uint) bool
	InRoom(userID uint, room realtime.Room) bool
	JoinRoom(userID uint, room realtime.Room) error
	LeaveRoom(userID uint, room realtime.Room) error
	EmitToRoom(room realtime.Room, event realtime.Event) int
	EmitToRoomExcept(room realtime.Room, event realtime.Event, except uint) int
	EmitToUser(userID uint, event realtime.Event) int
}

// ConnectionRegistry adds the lifecycle calls used by the presence sweep and the gateway.
type ConnectionRegistry interface {
	Emitter
	Register(ctx context.Context, conn *realtime.Connection) error
	Unregister(ctx context.Context, conn *realtime.Connection) bool
	StaleConnections(cutoff time.Time) []*realtime.Connection
}

var _ ConnectionRegistry = (*realtime.Registry)(nil)
