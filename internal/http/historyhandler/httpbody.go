package historyhandler

import "grouprelay/internal/services/history"

type ListMessagesResponse struct {
	Messages []history.Entry `json:"messages"`
} // @name ListMessagesResponse

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse
