package tracker

// PageInfo reads the current page facts from the host.
func (e *Engine) PageInfo() PageInfo {
	doc := e.host.Document()
	vp := e.host.Viewport()
	return PageInfo{
		Title:    doc.Title,
		Referrer: doc.Referrer,
		Viewport: Viewport{Width: vp.Width, Height: vp.Height},
	}
}

// UserInfo reads the current user-agent facts from the host.
func (e *Engine) UserInfo() UserInfo {
	nav := e.host.Navigator()
	return UserInfo{
		UserAgent: nav.UserAgent,
		Language:  nav.Language,
		Timezone:  nav.Timezone,
	}
}
