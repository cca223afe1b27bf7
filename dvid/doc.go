/*
	Package dvid provides types, constants, and functions that have no other dependencies
	and can be used by all packages of the tile streamer.  This includes world and voxel
	space geometry, keyword configurations for storage engines, and leveled logging
	that can be redirected to a rotating log file.
*/
package dvid
