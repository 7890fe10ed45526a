// Package mirai is a client for the mirai-api-http bot gateway.
//
// A [Session] authenticates with the gateway's auth key, binds the issued
// session key to one QQ account (auth, then verify) and then offers polling,
// roster listing and message sending until it is released:
//
//	err := mirai.With(ctx, cfg, func(s *mirai.Session) error {
//	    evt, err := s.PollEvent(ctx)
//	    ...
//	})
//
// PollEvent drains at most one event per call and returns nil when nothing
// new is pending; the caller owns the polling loop. Only FriendMessage and
// GroupMessage events are surfaced, all other kinds are skipped.
//
// Sending runs the image upload pipeline first: each image in the chain
// without an image id is read, transcoded to PNG unless it is already JPEG,
// PNG or GIF, uploaded as multipart form data, and updated in place with the
// id and URL the gateway assigns. Only then is the chain encoded and sent.
//
// Errors are typed ([*AuthError], [*VerificationError], [*SendError],
// [*TransportError], [*UploadError], [*NotConnectedError],
// [*MalformedResponseError]) and can be matched with errors.As. Nothing is
// retried.
package mirai
