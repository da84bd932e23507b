package handler_test

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/crm-realtime-api/internal/dto"
	"github.com/noah-isme/crm-realtime-api/internal/service"
)

func TestGroupRoutesLifecycle(t *testing.T) {
	f := setupAPI(t)
	admin := f.seedUser(t, 1, "Alice", service.RoleManager)
	bob := f.seedUser(t, 1, "Bob", service.RoleAgent)
	carol := f.seedUser(t, 1, "Carol", service.RoleAgent)

	status, body := f.call(t, admin, http.MethodPost, "/api/v1/groups/", dto.GroupCreateRequest{Name: "Renewals", ParticipantIDs: []uint{bob.ID}})
	require.Equal(t, fiber.StatusCreated, status)
	var group dto.GroupChatResponse
	decodeData(t, body, &group)
	require.Equal(t, admin.ID, group.AdminID)
	base := fmt.Sprintf("/api/v1/groups/%d", group.ID)

	status, body = f.call(t, bob, http.MethodPost, base+"/participants", dto.GroupParticipantsRequest{UserIDs: []uint{carol.ID}})
	require.Equal(t, fiber.StatusForbidden, status)
	require.Equal(t, string(service.KindAuthorization), body.Details.Code)

	status, body = f.call(t, admin, http.MethodPost, base+"/participants", dto.GroupParticipantsRequest{UserIDs: []uint{carol.ID}})
	require.Equal(t, fiber.StatusOK, status)
	decodeData(t, body, &group)
	require.Len(t, group.Participants, 3)

	status, body = f.call(t, bob, http.MethodPost, base+"/messages", map[string]interface{}{"content": "on it"})
	require.Equal(t, fiber.StatusCreated, status)
	var sent dto.MessageResponse
	decodeData(t, body, &sent)
	require.Equal(t, group.ID, sent.GroupID)

	status, body = f.call(t, carol, http.MethodGet, base+"/messages", nil)
	require.Equal(t, fiber.StatusOK, status)
	var history []dto.MessageResponse
	decodeData(t, body, &history)
	require.Len(t, history, 1)

	status, body = f.call(t, carol, http.MethodPost, base+"/read", nil)
	require.Equal(t, fiber.StatusOK, status)
	var read dto.MessagesReadPayload
	decodeData(t, body, &read)
	require.Equal(t, int64(1), read.Count)

	status, _ = f.call(t, carol, http.MethodDelete, fmt.Sprintf("%s/messages/%d", base, sent.ID), nil)
	require.Equal(t, fiber.StatusForbidden, status)
	status, _ = f.call(t, bob, http.MethodDelete, fmt.Sprintf("%s/messages/%d", base, sent.ID), nil)
	require.Equal(t, fiber.StatusOK, status)

	status, _ = f.call(t, admin, http.MethodPost, base+"/leave", nil)
	require.Equal(t, fiber.StatusForbidden, status)

	status, body = f.call(t, admin, http.MethodDelete, fmt.Sprintf("%s/participants/%d", base, carol.ID), nil)
	require.Equal(t, fiber.StatusOK, status)
	decodeData(t, body, &group)
	require.Len(t, group.Participants, 2)

	status, body = f.call(t, admin, http.MethodPost, base+"/admin", dto.GroupTransferAdminRequest{UserID: bob.ID})
	require.Equal(t, fiber.StatusOK, status)
	decodeData(t, body, &group)
	require.Equal(t, bob.ID, group.AdminID)

	status, _ = f.call(t, admin, http.MethodPost, base+"/leave", nil)
	require.Equal(t, fiber.StatusOK, status)

	status, body = f.call(t, bob, http.MethodGet, "/api/v1/groups/", nil)
	require.Equal(t, fiber.StatusOK, status)
	var groups []dto.GroupChatResponse
	decodeData(t, body, &groups)
	require.Len(t, groups, 1)

	status, _ = f.call(t, bob, http.MethodDelete, base, nil)
	require.Equal(t, fiber.StatusOK, status)
	status, _ = f.call(t, bob, http.MethodGet, base, nil)
	require.Equal(t, fiber.StatusNotFound, status)
}

func TestGroupRoutesValidatePayloads(t *testing.T) {
	f := setupAPI(t)
	admin := f.seedUser(t, 1, "Alice", service.RoleManager)

	status, body := f.call(t, admin, http.MethodPost, "/api/v1/groups/", dto.GroupCreateRequest{Name: "Solo"})
	require.Equal(t, fiber.StatusBadRequest, status)
	require.Equal(t, string(service.KindValidation), body.Details.Code)

	status, _ = f.call(t, admin, http.MethodDelete, "/api/v1/groups/1/participants/zero", nil)
	require.Equal(t, fiber.StatusBadRequest, status)
}
