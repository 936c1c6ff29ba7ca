package media

import "go.uber.org/zap"

// Router selects the audio playback route. Desktop and server builds have no
// route control, so the default implementation only records the request;
// platform builds replace it.
type Router struct {
	logger *zap.Logger
}

func NewRouter() *Router {
	return &Router{logger: zap.L().Named("media")}
}

func (r *Router) SetSpeakerphone(enabled bool) error {
	r.logger.Info("audio route change requested", zap.Bool("speakerphone", enabled))
	return nil
}
