package share

// BuildVersion identifies this build. Overridden at link time with
// -ldflags "-X github.com/aiotunnel/aiotunnel/share.BuildVersion=...".
var BuildVersion = "dev"
