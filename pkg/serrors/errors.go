package serrors

// BaseError is a coded error. Package-level values are sentinels and are
// compared with errors.Is, never by message.
type BaseError struct {
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	LocaleKey    string            `json:"locale_key,omitempty"`
	TemplateData map[string]string `json:"template_data,omitempty"`
}

func NewError(code, message, localeKey string) *BaseError {
	return &BaseError{Code: code, Message: message, LocaleKey: localeKey}
}

func (e *BaseError) Error() string {
	return e.Message
}

// WithTemplateData returns a copy carrying data for message interpolation.
func (e *BaseError) WithTemplateData(data map[string]string) *BaseError {
	cp := *e
	cp.TemplateData = data
	return &cp
}
