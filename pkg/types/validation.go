package types

import "fmt"

// ValidateFrame checks the decoded fields of an inbound frame against the
// schema of its kind. Heartbeat and status carry no required fields. The
// returned error names the missing or malformed field; callers surface it
// in a typed error reply and keep the connection open.
func ValidateFrame(kind MessageKind, fields map[string]any) error {
	switch kind {
	case KindHeartbeat, KindStatus:
		return nil

	case KindChatMessage:
		if err := requireString(fields, "conversation_id"); err != nil {
			return err
		}
		if err := requireString(fields, "user_id"); err != nil {
			return err
		}
		if err := requireString(fields, "message"); err != nil {
			return err
		}
		if err := requireBool(fields, "enable_streaming"); err != nil {
			return err
		}
		return requireBool(fields, "enable_memory_enhancement")

	case KindSkillExecution:
		if err := requireString(fields, "skill_id"); err != nil {
			return err
		}
		if err := requireString(fields, "user_id"); err != nil {
			return err
		}
		return requireObject(fields, "parameters")

	case KindSubscribe, KindUnsubscribe:
		return requireStringList(fields, "channels")

	case KindSessionCreate:
		if err := requireString(fields, "user_id"); err != nil {
			return err
		}
		raw, err := stringField(fields, "session_type")
		if err != nil {
			return err
		}
		if !SessionType(raw).IsValid() {
			return fmt.Errorf("%w: session_type %q", ErrInvalidSessionType, raw)
		}
		if v, ok := fields["metadata"]; ok {
			if _, isMap := v.(map[string]any); !isMap {
				return fmt.Errorf("%w: metadata must be an object", ErrInvalidField)
			}
		}
		return nil

	case KindSessionJoin, KindSessionLeave, KindSessionClose:
		return requireString(fields, "session_id")

	default:
		return ErrUnknownMessageType
	}
}

func stringField(fields map[string]any, key string) (string, error) {
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	return s, nil
}

func requireString(fields map[string]any, key string) error {
	s, err := stringField(fields, key)
	if err != nil {
		return err
	}
	if s == "" {
		return fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return nil
}

func requireBool(fields map[string]any, key string) error {
	v, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	if _, isBool := v.(bool); !isBool {
		return fmt.Errorf("%w: %s must be a boolean", ErrInvalidField, key)
	}
	return nil
}

func requireObject(fields map[string]any, key string) error {
	v, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	if _, isMap := v.(map[string]any); !isMap {
		return fmt.Errorf("%w: %s must be an object", ErrInvalidField, key)
	}
	return nil
}

func requireStringList(fields map[string]any, key string) error {
	v, ok := fields[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	list, isList := v.([]any)
	if !isList {
		return fmt.Errorf("%w: %s must be a list", ErrInvalidField, key)
	}
	for _, item := range list {
		if s, isStr := item.(string); !isStr || s == "" {
			return fmt.Errorf("%w: %s entries must be non-empty strings", ErrInvalidField, key)
		}
	}
	return nil
}

// StringField extracts a string field from decoded frame fields, returning
// the zero value when absent or mistyped. Callers must have validated the
// frame first; this is a convenience for handlers.
func StringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}

// BoolField extracts a boolean field, zero value when absent.
func BoolField(fields map[string]any, key string) bool {
	b, _ := fields[key].(bool)
	return b
}

// ObjectField extracts an object field, nil when absent.
func ObjectField(fields map[string]any, key string) map[string]any {
	m, _ := fields[key].(map[string]any)
	return m
}

// StringListField extracts a list-of-strings field, skipping non-strings.
func StringListField(fields map[string]any, key string) []string {
	list, _ := fields[key].([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
