package fail

import (
	"fmt"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Fail logs the full reason and responds with a JSON message.
//
// Internal diagnostics (e.g. stack text from failed copies) must never
// be passed here: whatever message is formatted ends up on the wire.
func Fail(c echo.Context, status int, format string, args ...interface{}) error {
	message := fmt.Sprintf(format, args...)

	zap.L().Warn(message)

	jsonResp := struct {
		Message string `json:"message"`
	}{
		Message: message,
	}

	return c.JSON(status, &jsonResp)
}
