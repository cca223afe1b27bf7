/*
Tilestream streams out-of-core volumetric image data to a renderer one block at a
time, choosing which blocks to load from the camera position and zoom.

Volumes are stored as a hierarchy of resolution levels, coarsest first.  Two
layouts are supported as block sources:

	octree         KTX blocks named by their octree path, e.g. "3/5/block_8_xy_35.ktx"
	ngprecomputed  neuroglancer precomputed chunks, sharded or not

Both read through the storage package, so a dataset can live in a local
directory, a cloud bucket or an OpenStack Swift container, optionally behind an
in-memory and an on-disk cache.

Packages

	block          keys, volumes, tiles and the Source contract
	chooser        which blocks to load for a camera and which tiles became obsolete
	tilecache      bounded concurrent loading and the displayed tile set
	display        debounces camera updates into desired block sets
	viewer         TOML configuration and assembly of the above
	cmd/lodview    plays a camera path through a viewer

Example

	lodview -interval=100ms lodview.toml camera-path.txt

where each line of the camera file is "x y z zoom" in world units.
*/
package tilestream
