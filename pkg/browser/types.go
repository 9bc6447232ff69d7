// Package browser inspects the tabs of a running browser session over CDP.
package browser

// PageInfo describes an open browser tab
type PageInfo struct {
	ID    string `json:"id" yaml:"id"`
	URL   string `json:"url" yaml:"url"`
	Title string `json:"title" yaml:"title"`
}

// Error types
type BrowserError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *BrowserError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeBrowserCrash  = "BROWSER_CRASH"
	ErrCodeConfiguration = "CONFIGURATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeScreenshot    = "SCREENSHOT_ERROR"
)
