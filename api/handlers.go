package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ChatListResponse lists the chats of one user, newest first.
type ChatListResponse struct {
	Count int                     `json:"count"`
	Chats []*storage.Conversation `json:"chats"`
}

// MessageListResponse holds the messages of a chat in the order they were
// recorded.
type MessageListResponse struct {
	ChatID   string             `json:"chat_id"`
	Count    int                `json:"count"`
	Messages []*storage.Message `json:"messages"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}

// handleListChats returns the chats owned by the userId query parameter.
func (s *Server) handleListChats(c *fiber.Ctx) error {
	userID := c.Query("userId")
	if userID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "userId query parameter required"})
	}

	chats, err := s.driver.ListConversations(c.UserContext(), userID)
	if err != nil {
		s.logger.Error("failed to list chats", "user_id", userID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to list chats"})
	}
	if chats == nil {
		chats = []*storage.Conversation{}
	}

	return c.JSON(ChatListResponse{Count: len(chats), Chats: chats})
}

// handleGetChat returns a single chat by id.
func (s *Server) handleGetChat(c *fiber.Ctx) error {
	chat, ferr := s.lookup(c)
	if ferr != nil {
		return c.Status(ferr.Code).JSON(ErrorResponse{Error: ferr.Message})
	}
	return c.JSON(chat)
}

// handleListMessages returns the messages of a chat.
func (s *Server) handleListMessages(c *fiber.Ctx) error {
	chat, ferr := s.lookup(c)
	if ferr != nil {
		return c.Status(ferr.Code).JSON(ErrorResponse{Error: ferr.Message})
	}

	messages, err := s.driver.Messages(c.UserContext(), chat.ID)
	if err != nil {
		s.logger.Error("failed to list messages", "chat_id", chat.ID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "failed to list messages"})
	}
	if messages == nil {
		messages = []*storage.Message{}
	}

	return c.JSON(MessageListResponse{
		ChatID:   chat.ID,
		Count:    len(messages),
		Messages: messages,
	})
}

// lookup resolves the :id parameter. When the userId query parameter is set,
// chats owned by anyone else are reported as not found.
func (s *Server) lookup(c *fiber.Ctx) (*storage.Conversation, *fiber.Error) {
	id := c.Params("id")
	if id == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "id parameter required")
	}

	chat, err := s.driver.GetConversation(c.UserContext(), id)
	switch {
	case storage.IsNotFound(err):
		return nil, fiber.NewError(fiber.StatusNotFound, "chat not found")
	case err != nil:
		s.logger.Error("failed to get chat", "chat_id", id, "error", err)
		return nil, fiber.NewError(fiber.StatusInternalServerError, "failed to get chat")
	}

	if owner := c.Query("userId"); owner != "" && owner != chat.OwnerID {
		return nil, fiber.NewError(fiber.StatusNotFound, "chat not found")
	}
	return chat, nil
}
