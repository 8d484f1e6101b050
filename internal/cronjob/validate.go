package cronjob

import "strings"

// normalizeJob trims string fields and fills defaults in place.
func normalizeJob(j *Job) {
	j.Name = strings.TrimSpace(j.Name)
	j.Description = strings.TrimSpace(j.Description)
	j.AgentID = strings.TrimSpace(j.AgentID)
	j.SessionKey = opaqueKey(j.SessionKey)
	j.Schedule.Expr = strings.TrimSpace(j.Schedule.Expr)
	j.Schedule.TZ = strings.TrimSpace(j.Schedule.TZ)
	if j.WakeMode == "" {
		j.WakeMode = WakeNextHeartbeat
	}
	if j.SessionTarget == SessionIsolated && j.Delivery == nil {
		j.Delivery = &Delivery{Mode: DeliveryAnnounce}
	}
	if j.Delivery != nil && j.Delivery.Mode == "" {
		j.Delivery.Mode = DeliveryAnnounce
	}
	if j.Name == "" {
		j.Name = defaultName(j)
	}
}

// opaqueKey keeps a session key verbatim. A blank key reads as absent.
func opaqueKey(k string) string {
	if strings.TrimSpace(k) == "" {
		return ""
	}
	return k
}

func defaultName(j *Job) string {
	text := j.Payload.Text
	if j.Payload.Kind == PayloadAgentTurn {
		text = j.Payload.Message
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "cron job"
	}
	if r := []rune(text); len(r) > 40 {
		return string(r[:40]) + "..."
	}
	return text
}

// validateJob checks the schedule and the (sessionTarget, payload.kind) pair.
func validateJob(j *Job) error {
	if err := ValidateSchedule(j.Schedule); err != nil {
		return err
	}

	switch j.Payload.Kind {
	case PayloadSystemEvent:
		if strings.TrimSpace(j.Payload.Text) == "" {
			return invalid("payload.text", "required for systemEvent payloads")
		}
	case PayloadAgentTurn:
		if strings.TrimSpace(j.Payload.Message) == "" {
			return invalid("payload.message", "required for agentTurn payloads")
		}
	case "":
		return invalid("payload.kind", "required")
	default:
		return invalid("payload.kind", "unknown kind %q", j.Payload.Kind)
	}
	if j.Payload.TimeoutSeconds < 0 {
		return invalid("payload.timeoutSeconds", "must not be negative")
	}

	switch j.SessionTarget {
	case SessionMain:
		if j.Payload.Kind != PayloadSystemEvent {
			return invalid("payload.kind", `sessionTarget "main" requires payload kind "systemEvent"`)
		}
	case SessionIsolated:
		if j.Payload.Kind != PayloadAgentTurn {
			return invalid("payload.kind", `sessionTarget "isolated" requires payload kind "agentTurn"`)
		}
	case "":
		return invalid("sessionTarget", "required")
	default:
		return invalid("sessionTarget", "unknown target %q", j.SessionTarget)
	}

	switch j.WakeMode {
	case WakeNow, WakeNextHeartbeat:
	default:
		return invalid("wakeMode", "unknown mode %q", j.WakeMode)
	}

	if j.Delivery != nil {
		switch j.Delivery.Mode {
		case DeliveryAnnounce, DeliveryNone:
		default:
			return invalid("delivery.mode", "unknown mode %q", j.Delivery.Mode)
		}
	}
	return nil
}
