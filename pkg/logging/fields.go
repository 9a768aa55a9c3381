package logging

import "log/slog"

func Room(id string) slog.Attr {
	return slog.String("room_id", id)
}

func User(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Message(id string) slog.Attr {
	return slog.String("message_id", id)
}

func Frame(kind string) slog.Attr {
	return slog.String("frame", kind)
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
