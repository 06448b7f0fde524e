// Package detect derives the change-detection overlay from a motion field:
// the field is binarized, 8-connected bright regions are labelled, and one
// bounding rectangle per outermost region is drawn onto a copy of the latest
// frame. Nothing here is persisted; every call recomputes from the current
// snapshot.
package detect
